// Package migrations embeds the schema of the escrow mirror, one directory
// per SQL dialect.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// MySQL returns the MySQL migrations rooted at their directory.
func MySQL() fs.FS {
	sub, err := fs.Sub(files, "mysql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Postgres returns the PostgreSQL migrations rooted at their directory.
func Postgres() fs.FS {
	sub, err := fs.Sub(files, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}
