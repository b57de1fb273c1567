package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory with every known variable
// blanked, so neither the caller's environment nor a .env file leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_FILE", "")
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Nil(t, c.Key())
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	key := strings.Repeat("0f", 64)
	t.Setenv("ENV", "dev")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("DB_SCHEMA_VERSION", "3")
	t.Setenv("DB_ENCRYPTION_KEY", key)
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("NOTIFY_POLICY", "Buffered")
	t.Setenv("SWEEP_SCHEDULE", "@every 5s")
	t.Setenv("LOG_CONSOLE_LEVEL", "DEBUG")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", c.Env)
	assert.Equal(t, "/tmp/x.db", c.DB.Path)
	assert.Equal(t, uint64(3), c.DB.SchemaVersion)
	assert.Equal(t, 8, c.Workers.PoolSize)
	assert.Equal(t, "buffered", c.Notify.Policy)
	assert.Equal(t, "@every 5s", c.Schedule.Sweep)
	assert.Equal(t, "debug", c.Log.ConsoleLevel)
	assert.Len(t, c.Key(), 64)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WORKER_QUEUE_SIZE=9\n"), 0o600))
	// godotenv does not override variables that exist, even empty ones.
	require.NoError(t, os.Unsetenv("WORKER_QUEUE_SIZE"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, c.Workers.QueueSize)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "corebridge.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db:
  path: /var/lib/app.db
workers:
  pool_size: 2
schedule:
  compact: "0 3 * * *"
http:
  addr: "127.0.0.1:8080"
`), 0o600))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("WORKER_POOL_SIZE", "6")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/app.db", c.DB.Path)
	assert.Equal(t, 6, c.Workers.PoolSize, "environment wins over the file")
	assert.Equal(t, "0 3 * * *", c.Schedule.Compact)
	assert.Equal(t, "127.0.0.1:8080", c.HTTP.Addr)
	assert.Equal(t, 64, c.Workers.QueueSize, "unset keys keep defaults")
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"env":            {"ENV": "staging"},
		"policy":         {"NOTIFY_POLICY": "drop"},
		"schedule":       {"COMPACT_SCHEDULE": "sometimes"},
		"short key":      {"DB_ENCRYPTION_KEY": "abcd"},
		"pool size":      {"WORKER_POOL_SIZE": "0"},
		"not a number":   {"DISPATCH_QUEUE_SIZE": "many"},
		"schema version": {"DB_SCHEMA_VERSION": "-1"},
		"http addr":      {"HTTP_ADDR": "nowhere"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnknownYAMLKey(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("db:\n  pth: typo.db\n"), 0o600))
	t.Setenv("CONFIG_FILE", file)

	_, err := Load()
	assert.ErrorContains(t, err, "pth")
}
