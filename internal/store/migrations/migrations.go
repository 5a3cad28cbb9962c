// Package migrations embeds the history database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
