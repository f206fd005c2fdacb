// Package migrations embeds the postgres schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
