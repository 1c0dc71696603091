// Package migrations embeds SQL migration files for the postgres adapter.
package migrations

import "embed"

// FS contains the core schema migrations.
//
//go:embed core/*.sql
var FS embed.FS

// Dir is the directory within FS where migrations live.
const Dir = "core"
