package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebridge/internal/app"
	"corebridge/internal/config"
	"corebridge/internal/native"
	"corebridge/internal/platform/logger"
	"corebridge/internal/version"
)

// isolate keeps .env files and the caller's environment out of a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"CONFIG_FILE", "DB_PATH", "DB_ENCRYPTION_KEY", "DB_SCHEMA_VERSION", "HTTP_ADDR", "NOTIFY_POLICY", "LOG_FILE"} {
		t.Setenv(k, "")
	}
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute("1.2.3", args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// seedFile writes dogs and cats into a fresh database file.
func seedFile(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.Default()
	cfg.DB.Path = filepath.Join(dir, "seed.db")
	cfg.Log.File = ""
	a := app.NewWithLogger(cfg, logger.Discard())
	ctx := context.Background()
	require.NoError(t, a.Open(ctx))
	_, err := a.Database().Write(ctx, func(ctx context.Context, tx *version.WriteTx) error {
		for _, pk := range []string{"rex", "fido"} {
			if _, err := tx.Create(ctx, "Dog", pk, native.Fields{"age": int64(3)}); err != nil {
				return err
			}
		}
		_, err := tx.Create(ctx, "Cat", "tom", nil)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))
	return cfg.DB.Path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("dev")
	require.NotNil(t, cmd)
	assert.Equal(t, "corebridge", cmd.Use)
	assert.Contains(t, cmd.Long, "dispatcher")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("dev")
	for _, name := range []string{"serve", "inspect", "compact", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("dev")

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	conf := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, conf)
	assert.Equal(t, "c", conf.Shorthand)

	db := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, db)
	assert.Empty(t, db.DefValue)
}

func TestVersion(t *testing.T) {
	isolate(t)

	code, out, _ := run(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "corebridge 1.2.3")

	code, out, _ = run(t, "version", "--format", "json")
	assert.Equal(t, ExitSuccess, code)
	var res VersionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "1.2.3", res.Version)
}

func TestInvalidFormat(t *testing.T) {
	isolate(t)

	code, _, stderr := run(t, "version", "--format", "xml")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, `invalid format "xml"`)
}

func TestInspect(t *testing.T) {
	dir := isolate(t)
	path := seedFile(t, dir)

	code, out, stderr := run(t, "inspect", "--db", path, "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)

	var res InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, path, res.Path)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, map[string]int{"Cat": 1, "Dog": 2}, res.Classes)

	code, out, _ = run(t, "inspect", "--db", path)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "version: 2")
	assert.Regexp(t, `Dog\s+2`, out)
}

func TestInspect_ConfigFile(t *testing.T) {
	dir := isolate(t)
	path := seedFile(t, dir)
	conf := filepath.Join(dir, "corebridge.yaml")
	writeFile(t, conf, "db:\n  path: "+path+"\n")

	code, out, stderr := run(t, "inspect", "-c", conf, "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, `"Dog": 2`)
}

func TestInspect_BadConfig(t *testing.T) {
	dir := isolate(t)
	conf := filepath.Join(dir, "corebridge.yaml")
	writeFile(t, conf, "workers:\n  pool_size: -1\n")

	code, _, stderr := run(t, "inspect", "-c", conf)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "load config")
}

func TestCompact(t *testing.T) {
	dir := isolate(t)
	path := seedFile(t, dir)

	code, out, stderr := run(t, "compact", "--db", path, "--format", "json")
	require.Equal(t, ExitSuccess, code, stderr)
	var res CompactResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, path, res.Path)
	assert.GreaterOrEqual(t, res.Removed, int64(0))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))

	wrapped := WrapExitError(ExitCommandError, "open", errors.New("locked"))
	assert.Equal(t, "open: locked", wrapped.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(errors.Join(errors.New("x"), wrapped)))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}
