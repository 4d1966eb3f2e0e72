package kvstore

import "embed"

// Migrations embeds the kv_entries schema so cmd/main.go can run it at
// startup via golang-migrate without shipping .sql files alongside the
// binary separately.
//
//go:embed migrations/*.sql
var Migrations embed.FS
