// Package dbmigrations exposes embedded SQL migrations for Typewire binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Typewire binaries.
//
//go:embed *.sql
var Files embed.FS
