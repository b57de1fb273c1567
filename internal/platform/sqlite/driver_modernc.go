//go:build !mattn

package sqlite

import (
	"fmt"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // migrate driver for modernc
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// migrateScheme is the golang-migrate URL scheme matching DriverName.
const migrateScheme = "sqlite"

// buildDSN constructs a DSN for modernc.org/sqlite.
// modernc uses the syntax: file:path?_pragma=name(value)&_txlock=immediate
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
		params = append(params, fmt.Sprintf("_pragma=%s(%s)", p.name, p.value))
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
