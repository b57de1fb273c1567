// Package app wires configuration, logging, the engine, the database and
// its background jobs into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"corebridge/internal/bridge"
	"corebridge/internal/config"
	"corebridge/internal/native/sqlitecore"
	"corebridge/internal/notify"
	"corebridge/internal/platform/logger"
	"corebridge/internal/platform/scheduler"
	"corebridge/internal/platform/sqlite"
)

// App owns one engine and one open database.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	eng   *sqlitecore.Engine
	db    atomic.Pointer[bridge.Database]
	sched *scheduler.Scheduler
}

// New creates an App from cfg. Nothing is opened until Open.
func New(cfg config.Config) *App {
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "corebridge",
	})
	return NewWithLogger(cfg, log)
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(cfg config.Config, log *slog.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Database returns the open database, or nil before Open.
func (a *App) Database() *bridge.Database { return a.db.Load() }

// Open starts the engine and opens the configured database.
func (a *App) Open(ctx context.Context) error {
	policy, err := notify.ParsePolicy(a.cfg.Notify.Policy)
	if err != nil {
		return err
	}

	a.eng = sqlitecore.New(sqlitecore.Options{DB: sqlite.DefaultOptions(), Logger: a.log})

	bc := bridge.DefaultConfig(a.cfg.DB.Path)
	bc.SchemaVersion = a.cfg.DB.SchemaVersion
	bc.EncryptionKey = a.cfg.Key()
	bc.DispatchQueue = a.cfg.Dispatch.QueueSize
	bc.Workers = a.cfg.Workers.PoolSize
	bc.WorkerQueue = a.cfg.Workers.QueueSize
	bc.Notify = notify.Options{Policy: policy, Buffer: a.cfg.Notify.Buffer}
	bc.Logger = a.log

	db, err := bridge.Open(ctx, a.eng, bc)
	if err != nil {
		_ = a.eng.Close()
		a.eng = nil
		return fmt.Errorf("open %s: %w", a.cfg.DB.Path, err)
	}
	a.db.Store(db)
	return nil
}

// Run opens the database, schedules maintenance and serves the debug
// endpoints until ctx ends, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting", "db", a.cfg.DB.Path)
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.sched = scheduler.New(scheduler.Config{Logger: a.log})
	if _, err := a.Database().Maintain(a.sched, bridge.Schedules{
		Sweep:   a.cfg.Schedule.Sweep,
		Compact: a.cfg.Schedule.Compact,
	}); err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}
	a.sched.Start()

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.HTTP.Addr != "" {
		srv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		a.log.Info("debug endpoint listening", "addr", a.cfg.HTTP.Addr)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		a.log.Error("server", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, runErr, a.Close(shutdownCtx))
	return errors.Join(errs...)
}

// Close stops maintenance, closes the database and the engine. It is safe
// to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sched != nil {
		errs = append(errs, a.sched.Stop(ctx))
	}
	if db := a.Database(); db != nil {
		errs = append(errs, db.Close(ctx))
	}
	if a.eng != nil {
		errs = append(errs, a.eng.Close())
		a.eng = nil
	}
	a.log.Info("stopped")
	errs = append(errs, logger.Close(a.log))
	return errors.Join(errs...)
}

// Router serves health and handle diagnostics.
func (a *App) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if db := a.Database(); db == nil || db.Stats().Closed {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "closed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/debug/stats", func(c *gin.Context) {
		db := a.Database()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not open"})
			return
		}
		c.JSON(http.StatusOK, db.Stats())
	})
	r.GET("/debug/handles", func(c *gin.Context) {
		db := a.Database()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not open"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"stats":  db.Registry().Stats(),
			"groups": db.Registry().Dump(),
		})
	})
	return r
}
