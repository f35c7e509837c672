package app

import (
	"context"
	"errors"
	"fmt"

	"gigchain/internal/config"
	"gigchain/internal/repo"
)

// ResolveNetworkAndConfig picks the active network and ensures its config
// exists in the DB, seeding defaults if missing. Precedence: explicit
// override, then the workspace config file, then a single-network DB.
func ResolveNetworkAndConfig(ctx context.Context, workspace, networkOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	networkID := networkOverride
	if networkID == "" && fileCfg != nil {
		networkID = fileCfg.Network.ID
	}
	if networkID == "" {
		if id, err := r.SingleNetwork(ctx); err == nil {
			networkID = id
		} else {
			return "", nil, fmt.Errorf("network not specified; use --network or run gig init")
		}
	}

	cfg := fileCfg
	if cfg != nil && cfg.Network.ID == networkID {
		// The file is authoritative for its own network; keep the DB copy
		// in sync so the server and webhooks see the same policy table.
		if err := r.UpsertNetworkConfig(ctx, networkID, cfg); err != nil {
			return "", nil, fmt.Errorf("sync network config: %w", err)
		}
	} else {
		cfg, err = r.GetNetworkConfig(ctx, networkID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return "", nil, err
			}
			cfg = config.Default(networkID)
			if err := r.UpsertNetworkConfig(ctx, networkID, cfg); err != nil {
				return "", nil, fmt.Errorf("seed network config: %w", err)
			}
		}
	}
	cfg.Network.ID = networkID

	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, actorID); err != nil {
		return "", nil, fmt.Errorf("ensure actor: %w", err)
	}
	return networkID, cfg, nil
}
