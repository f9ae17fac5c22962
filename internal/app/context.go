// Package app opens a workspace: database, schema, config and rules.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/engine"
	"lexline/internal/migrate"
)

type Options struct {
	Workspace string
	// DBPath overrides <workspace>/.lexline/lexline.db.
	DBPath string
	Logger *slog.Logger
	// Engine options applied after the logger.
	EngineOptions []engine.Option
}

// Workspace is an opened lexline workspace. Close releases it.
type Workspace struct {
	Dir    string
	Conn   *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace directory, migrates the database, loads
// lexline.yml (defaults when absent) and installs the rules.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engOpts := append([]engine.Option{engine.WithLogger(logger)}, opts.EngineOptions...)
	e, err := engine.New(conn, cfg, engOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := e.LoadRules(ctx, cfg.RulePaths(opts.Workspace)); err != nil {
		e.Close()
		conn.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return &Workspace{Dir: opts.Workspace, Conn: conn, Config: cfg, Engine: e}, nil
}

// Close drains queued notifications before closing the database.
func (w *Workspace) Close() error {
	w.Engine.Close()
	return w.Conn.Close()
}
