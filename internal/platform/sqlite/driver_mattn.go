//go:build mattn

package sqlite

import (
	"fmt"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // migrate driver for mattn
	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by github.com/mattn/go-sqlite3.
const DriverName = "sqlite3"

// migrateScheme is the golang-migrate URL scheme matching DriverName.
const migrateScheme = "sqlite3"

// buildDSN constructs a DSN for github.com/mattn/go-sqlite3.
// mattn uses the syntax: file:path?_foreign_keys=1&_journal_mode=WAL
func buildDSN(path string, opts Options) string {
	var sb strings.Builder
	params := make([]string, 0, 8)

	if path == ":memory:" {
		sb.WriteString("file::memory:")
	} else {
		sb.WriteString("file:")
		sb.WriteString(path)
	}

	if opts.ReadOnly {
		params = append(params, "mode=ro")
	}
	for _, p := range pragmasFor(path, opts) {
		params = append(params, fmt.Sprintf("_%s=%s", p.name, p.value))
	}
	if opts.TxLock != "" {
		params = append(params, "_txlock="+strings.ToLower(string(opts.TxLock)))
	}

	if len(params) > 0 {
		sb.WriteString("?")
		sb.WriteString(strings.Join(params, "&"))
	}
	return sb.String()
}
