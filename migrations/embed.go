// Package migrations embeds the SQL schema migrations so the binary does
// not need them on disk.
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS
