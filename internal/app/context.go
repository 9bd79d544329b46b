package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
	"payline/internal/treasury"
)

// Open assembles a ready engine for the workspace: ensures the workspace
// directory, opens and migrates the database, loads payline.yml (defaults if
// missing) and wires the configured treasury. The caller closes the returned
// *sql.DB.
func Open(ctx context.Context, workspace string) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	t, err := newTreasury(cfg)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg, t)
	if err := seedAdmin(ctx, e, cfg); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return e, conn, nil
}

func newTreasury(cfg *config.Config) (treasury.Transferor, error) {
	switch cfg.Treasury.Mode {
	case "", "memory":
		return treasury.NewMemory(), nil
	case "http":
		if cfg.Treasury.Endpoint == "" {
			return nil, fmt.Errorf("treasury.endpoint required for http mode")
		}
		return treasury.NewClient(cfg.Treasury.Endpoint, cfg.Treasury.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown treasury mode %q", cfg.Treasury.Mode)
	}
}

// seedAdmin initializes the ledger from config when no admin exists yet. A
// ledger initialized through `pl init` keeps its admin; config only fills the
// gap on first use.
func seedAdmin(ctx context.Context, e engine.Engine, cfg *config.Config) error {
	if cfg.Admin.Principal == "" {
		return nil
	}
	_, err := e.Repo.GetAdmin(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return e.InitLedger(ctx, cfg.Admin.Principal)
}
