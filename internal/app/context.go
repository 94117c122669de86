package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agileflow/internal/config"
	"agileflow/internal/engine"
	"agileflow/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures it exists in
// the DB. Preference order: explicit override, agileflow.yml in the
// workspace, single project already in the DB. A project declared in config
// but missing from the DB is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, conn *sql.DB) (string, *config.Config, error) {
	r := repo.Repo{DB: conn}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no project found; write agileflow.yml or run af project create")
			}
			return "", nil, err
		}
		projectID = p.ID
	}

	if cfg == nil || cfg.Project.ID != projectID {
		// override points at a project the workspace config does not
		// describe; fall back to a default config shell for it
		p, err := r.GetProject(ctx, projectID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) && cfg != nil {
				return "", nil, fmt.Errorf("project %s not found; agileflow.yml declares %s", projectID, cfg.Project.ID)
			}
			return "", nil, err
		}
		cfg = config.Default(p.ID, p.Key)
		return projectID, cfg, nil
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		e := engine.New(conn, cfg)
		if _, err := e.InitProject(ctx, cfg, actorID); err != nil {
			return "", nil, fmt.Errorf("create project %s: %w", projectID, err)
		}
	}
	return projectID, cfg, nil
}
