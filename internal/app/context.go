package app

import (
	"context"
	"database/sql"
	"fmt"

	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/migrate"
	"worktrack/internal/repo"
)

// Env is the on-disk state an agent or CLI command works against.
type Env struct {
	Config  *config.Config
	DataDir string
	DB      *sql.DB
	Repo    repo.Repo
}

// ResolveConfig returns cfg when given, otherwise the config in dir, falling
// back to the built-in defaults when no file exists yet.
func ResolveConfig(dir string, cfg *config.Config) (*config.Config, error) {
	if cfg != nil {
		return cfg, cfg.Validate()
	}
	return config.LoadOptional(dir)
}

// OpenEnv opens and migrates the local database for cfg.
func OpenEnv(ctx context.Context, cfg *config.Config) (*Env, error) {
	dataDir, err := db.EnsureDataDir(cfg.Agent.DataDir)
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Env{Config: cfg, DataDir: dataDir, DB: conn, Repo: repo.Repo{DB: conn}}, nil
}

// Close closes the database.
func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
