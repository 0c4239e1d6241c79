// Package migrations embeds the PostgreSQL schema and development seeds.
package migrations

import "embed"

// FS holds *.up.sql / *.down.sql at its root and seed files under seeds/.
//
//go:embed *.sql seeds/*.sql
var FS embed.FS
