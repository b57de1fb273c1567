package sqlite

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() Migrations {
	return Migrations{
		FS: fstest.MapFS{
			"m/1_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
			"m/1_items.down.sql": {Data: []byte("DROP TABLE items;")},
			"m/2_tags.up.sql":    {Data: []byte("CREATE TABLE tags (id INTEGER PRIMARY KEY);")},
			"m/2_tags.down.sql":  {Data: []byte("DROP TABLE tags;")},
		},
		Dir: "m",
	}
}

func TestMigrations_ApplyIdempotent(t *testing.T) {
	tdb := NewTestDB(t)
	m := testMigrations()

	require.NoError(t, m.Apply(tdb.Path))
	require.NoError(t, m.Apply(tdb.Path))

	assert.True(t, tdb.TableExists(t, "items"))
	assert.True(t, tdb.TableExists(t, "tags"))

	version, dirty, err := m.Version(tdb.Path)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestMigrations_VersionBeforeApply(t *testing.T) {
	tdb := NewTestDB(t)

	version, dirty, err := testMigrations().Version(tdb.Path)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestMigrations_Reset(t *testing.T) {
	tdb := NewTestDB(t)
	m := testMigrations()

	require.NoError(t, m.Apply(tdb.Path))
	require.NoError(t, m.Reset(tdb.Path))
	assert.False(t, tdb.TableExists(t, "items"))
}

func TestBuildMigrateURL(t *testing.T) {
	u, err := BuildMigrateURL("/var/data/app.db")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, migrateScheme+":///"))
	assert.True(t, strings.HasSuffix(u, "/var/data/app.db"))
}
