// Package config loads the escrowd configuration from a YAML or JSON file,
// ESCROW_ environment variables and command line flags, in increasing order
// of precedence.
package config
