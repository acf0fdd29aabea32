// Package tenant owns the per-tenant storage handles. Every tenant has
// its own database; nothing is shared, so a tenant name always resolves
// to exactly one store.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/pkg/storage"
	"github.com/flowdesk/flowdesk/pkg/storage/inmemory"
	"github.com/flowdesk/flowdesk/pkg/storage/postgres"
)

var ErrUnknownTenant = errors.New("unknown tenant")

type Provider struct {
	stores map[string]storage.Storage
	pools  []*pgxpool.Pool
}

// NewProvider opens one store per configured tenant.
func NewProvider(ctx context.Context, conf config.Storage) (*Provider, error) {
	p := &Provider{stores: make(map[string]storage.Storage, len(conf.Tenants))}

	for _, t := range conf.Tenants {
		switch conf.Mode {
		case config.StorageModePostgres:
			pool, err := pgxpool.New(ctx, t.DSN)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("failed to open database for tenant %s: %w", t.Name, err)
			}
			store := postgres.NewStorage(pool)
			if err := store.EnsureSchema(ctx); err != nil {
				pool.Close()
				p.Close()
				return nil, fmt.Errorf("failed to prepare database for tenant %s: %w", t.Name, err)
			}
			p.pools = append(p.pools, pool)
			p.stores[t.Name] = store
		case config.StorageModeMemory:
			p.stores[t.Name] = inmemory.NewStorage()
		default:
			p.Close()
			return nil, fmt.Errorf("unknown storage mode %q", conf.Mode)
		}
	}
	return p, nil
}

// Storage resolves the store for a tenant.
func (p *Provider) Storage(name string) (storage.Storage, error) {
	store, ok := p.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, name)
	}
	return store, nil
}

// Tenants lists the configured tenant names.
func (p *Provider) Tenants() []string {
	names := make([]string, 0, len(p.stores))
	for name := range p.stores {
		names = append(names, name)
	}
	return names
}

func (p *Provider) Close() {
	for _, pool := range p.pools {
		pool.Close()
	}
}
