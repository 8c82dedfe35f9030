// Package migrations embeds the SQL schema for the Postgres patient mirror.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
