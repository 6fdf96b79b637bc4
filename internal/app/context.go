// Package app wires a workspace into a ready engine for the CLI and the server.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"expedientes/internal/config"
	"expedientes/internal/db"
	"expedientes/internal/engine"
	"expedientes/internal/metrics"
	"expedientes/internal/migrate"
)

// Options tune Open.
type Options struct {
	Workspace string
	// SchoolID seeds the default config when the workspace has no expedientes.yml.
	SchoolID string
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// App holds the opened workspace.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Registry *prometheus.Registry
}

// Open ensures the workspace, migrates the database, loads the config (or
// falls back to defaults) and builds the engine.
func Open(opts Options) (*App, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		schoolID := opts.SchoolID
		if schoolID == "" {
			schoolID = "default-school"
		}
		cfg = config.Default(schoolID)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e := engine.New(conn, cfg)
	e.Metrics = metrics.New(reg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	return &App{DB: conn, Config: cfg, Engine: e, Registry: reg}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
