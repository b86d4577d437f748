package app

import (
	"context"
	"errors"
	"fmt"

	"govline/internal/config"
	"govline/internal/repo"
)

// ResolveConfig picks the effective engine config, in order of preference:
// the govline.yml next to the workspace, the stored config for the engine,
// then seeded defaults. Whatever wins is persisted so later invocations and
// the HTTP server agree on one config.
func ResolveConfig(ctx context.Context, workspace, engineOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	engineID := engineOverride
	if engineID == "" && fileCfg != nil {
		engineID = fileCfg.Engine.ID
	}
	if engineID == "" {
		engineID = "default"
	}

	if fileCfg != nil {
		if err := r.UpsertEngineConfig(ctx, engineID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store engine config: %w", err)
		}
		return engineID, fileCfg, nil
	}

	cfg, err := r.GetEngineConfig(ctx, engineID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(engineID)
		if err := r.UpsertEngineConfig(ctx, engineID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed engine config: %w", err)
		}
	}
	return engineID, cfg, nil
}
