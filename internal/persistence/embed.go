package persistence

import "embed"

// Migrations holds the schema, applied in file name order by Migrator.
//
//go:embed migrations/*.sql
var Migrations embed.FS
