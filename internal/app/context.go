package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"casetrack/internal/config"
	"casetrack/internal/db"
	"casetrack/internal/engine"
	"casetrack/internal/logging"
	"casetrack/internal/migrate"
	"casetrack/internal/repo"
)

// Options controls workspace bootstrap.
type Options struct {
	Workspace string
	// ActorID receives the owner role when the workspace is first seeded.
	ActorID string
}

// ResolveConfig returns the stored configuration. When none is stored it
// falls back to the workspace casetrack.yml, then the built-in default, and
// reports seeded=true so the caller imports it.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (cfg *config.Config, seeded bool, err error) {
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, false, fmt.Errorf("load workspace config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, true, nil
}

// Open opens and migrates the workspace database and returns a ready engine.
// The caller owns the returned *sql.DB.
func Open(ctx context.Context, opts Options) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.Migrate(ctx, conn, logging.New("migrate")); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := Bootstrap(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return eng, conn, nil
}

// Bootstrap builds an engine over a migrated database, seeding config, the
// stage catalog and the owner role on first use.
func Bootstrap(ctx context.Context, conn *sql.DB, opts Options) (engine.Engine, error) {
	r := repo.Repo{DB: conn}
	cfg, seeded, err := ResolveConfig(ctx, opts.Workspace, r)
	if err != nil {
		return engine.Engine{}, err
	}
	eng := engine.New(conn, cfg)
	if !seeded {
		return eng, nil
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = "local-user"
	}
	if _, err := eng.ImportCatalog(ctx, cfg, actorID); err != nil {
		return engine.Engine{}, fmt.Errorf("seed catalog: %w", err)
	}
	if _, ok := cfg.RBAC.Roles["owner"]; ok {
		if err := eng.GrantRole(ctx, actorID, "owner", actorID); err != nil {
			return engine.Engine{}, fmt.Errorf("grant owner: %w", err)
		}
	}
	return eng, nil
}
