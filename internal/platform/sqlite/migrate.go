package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// BuildMigrateURL builds a golang-migrate database URL for dbPath using the
// scheme of the compiled-in driver. Windows drive paths become
// scheme:///C:/...
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	urlPath := filepath.ToSlash(absPath)
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	return migrateScheme + "://" + urlPath, nil
}

// Migrations is an embedded migration set.
type Migrations struct {
	FS  fs.FS
	Dir string
}

func (m Migrations) open(dbPath string) (*migrate.Migrate, error) {
	src, err := iofs.New(m.FS, m.Dir)
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	databaseURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return nil, err
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return mg, nil
}

// Apply runs every pending up migration. Calling it on an up-to-date file is
// a no-op.
func (m Migrations) Apply(dbPath string) error {
	mg, err := m.open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _, _ = mg.Close() }()

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version returns the applied migration version. A file without migrations
// reports 0.
func (m Migrations) Version(dbPath string) (uint, bool, error) {
	mg, err := m.open(dbPath)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = mg.Close() }()

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Reset runs every down migration.
func (m Migrations) Reset(dbPath string) error {
	mg, err := m.open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _, _ = mg.Close() }()

	if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reset migrations: %w", err)
	}
	return nil
}
