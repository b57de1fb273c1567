package sqlitecore

import (
	"embed"

	"corebridge/internal/platform/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations is the schema of an engine file.
var Migrations = sqlite.Migrations{FS: migrationFiles, Dir: "migrations"}
