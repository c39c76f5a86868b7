// Package dedup remembers recently processed webhook deliveries so that a
// byte-identical redelivery inside the replay window can be acknowledged
// without touching the database.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/civicworks/engage/internal/platform/config"
)

// Store records processed delivery keys for a bounded time.
type Store interface {
	// IsProcessed reports whether key was marked and has not expired.
	IsProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed records key for ttl.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// New builds the Store selected by cfg.Backend.
func New(cfg config.DedupConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NopStore{}, nil
	case "memory":
		return NewMemoryStore(defaultMaxEntries), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown dedup backend: %s", cfg.Backend)
	}
}

// NopStore never reports a delivery as processed.
type NopStore struct{}

func (NopStore) IsProcessed(context.Context, string) (bool, error)          { return false, nil }
func (NopStore) MarkProcessed(context.Context, string, time.Duration) error { return nil }
func (NopStore) Close() error                                               { return nil }
