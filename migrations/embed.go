// Package migrations embeds the Postgres schema applied to each tenant.
package migrations

import "embed"

// FS holds the NNN_name.sql files in version order.
//
//go:embed *.sql
var FS embed.FS
