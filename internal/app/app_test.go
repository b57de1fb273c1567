package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebridge/internal/config"
	"corebridge/internal/platform/logger"
	"corebridge/internal/version"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DB.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Log.File = ""
	cfg.Schedule.Sweep = "@every 50ms"
	cfg.Schedule.Compact = "@every 50ms"
	return cfg
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestRouter(t *testing.T) {
	a := NewWithLogger(testConfig(t), logger.Discard())
	r := a.Router()

	code, _ := get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ctx := context.Background()
	require.NoError(t, a.Open(ctx))
	_, err := a.Database().Write(ctx, func(ctx context.Context, tx *version.WriteTx) error {
		_, err := tx.Create(ctx, "Dog", "rex", nil)
		return err
	})
	require.NoError(t, err)

	code, body := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = get(t, r, "/debug/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, a.Database().ID(), body["id"])

	code, body = get(t, r, "/debug/handles")
	assert.Equal(t, http.StatusOK, code)
	groups := body["groups"].(map[string]any)
	assert.Contains(t, groups, a.Database().ID())

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	code, _ = get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestOpen_BadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Policy = "drop"
	a := NewWithLogger(cfg, logger.Discard())
	assert.Error(t, a.Open(context.Background()))
	assert.Nil(t, a.Database())
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	a := NewWithLogger(cfg, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		db := a.Database()
		return db != nil && db.Registry().Stats().Live > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, a.Database().Stats().Closed)
	assert.Zero(t, a.Database().Registry().Stats().Live)
}
