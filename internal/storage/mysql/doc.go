// Package mysql stores the escrow mirror in MySQL. The schema is applied
// from embedded migrations on startup.
package mysql
