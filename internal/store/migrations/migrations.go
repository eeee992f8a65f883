// Package migrations embeds the SQL schema migrations for trim.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
