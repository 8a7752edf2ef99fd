package store

import (
	"context"

	"github.com/msageha/fleetguard/internal/model"
)

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg model.StoreConfig) (Backend, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return NewMemory(), nil
	}
	return OpenSQL(ctx, cfg.Driver, cfg.DSN)
}

// SeedHosts upserts hosts into dir. Config-declared hosts are re-applied at
// every start so the file stays the source of truth for addresses.
func SeedHosts(ctx context.Context, dir HostDirectory, hosts []model.Host) error {
	for i := range hosts {
		h := hosts[i]
		if existing, err := dir.GetHost(ctx, h.ID); err == nil {
			// fleet policy edits made through the API survive a restart
			if len(h.Fleet.Tags) == 0 && len(h.Fleet.Scopes) == 0 && h.Fleet.Group == nil {
				h.Fleet = existing.Fleet
			}
		}
		if err := dir.UpsertHost(ctx, &h); err != nil {
			return err
		}
	}
	return nil
}
