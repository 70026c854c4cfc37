package app

import (
	"context"
	"database/sql"
	"fmt"

	"ideafunnel/internal/config"
	"ideafunnel/internal/db"
	"ideafunnel/internal/engine"
	"ideafunnel/internal/logger"
	"ideafunnel/internal/migrate"
	"ideafunnel/internal/telemetry"
)

// Version is reported to telemetry and the CLI.
var Version = "dev"

// Options selects the workspace and overrides for a bootstrap.
type Options struct {
	Workspace string
	// ConfigFile replaces <workspace>/funnel.yml when set.
	ConfigFile string
	// LogMode overrides config log.mode when set.
	LogMode string
}

// App is a migrated database plus an engine wired to the workspace config.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       *logger.Logger
}

// LoadConfig resolves the config for opts without touching the database.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open loads config, opens and migrates the workspace database and builds
// the engine. Callers must Close the result.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	mode := cfg.Log.Mode
	if opts.LogMode != "" {
		mode = opts.LogMode
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := telemetry.Init(ctx, telemetry.Options{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Version: Version,
	}); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Log = log.With("component", "engine")
	log.Debug("workspace ready", "db", db.Path(opts.Workspace))
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Log:       log,
	}, nil
}

// Close flushes telemetry and logs and closes the database.
func (a *App) Close(ctx context.Context) error {
	telemetry.Shutdown(ctx)
	a.Log.Sync()
	return a.DB.Close()
}
