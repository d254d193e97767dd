// Package migrations embeds the schema so binaries and tests apply the same SQL.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
