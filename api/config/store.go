package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	kvbolt "github.com/malbeclabs/kpivest/ledger/pkg/kv/bolt"
	kvpostgres "github.com/malbeclabs/kpivest/ledger/pkg/kv/postgres"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Kind     string
	BoltPath string
}

// OpenStore opens the ledger store backend named by cfg.Kind. Postgres
// settings come from the environment.
func OpenStore(ctx context.Context, log *slog.Logger, cfg StoreConfig) (kv.Store, error) {
	switch cfg.Kind {
	case StoreMemory:
		log.Warn("using in-memory store, state is lost on exit")
		return kv.NewMemoryStore(), nil
	case StoreBolt:
		store, err := kvbolt.Open(kvbolt.Config{Logger: log, Path: cfg.BoltPath})
		if err != nil {
			return nil, err
		}
		return store, nil
	case StorePostgres:
		pgCfg, err := PostgresFromEnv()
		if err != nil {
			return nil, err
		}
		pool, err := OpenPostgres(ctx, log, pgCfg)
		if err != nil {
			return nil, err
		}
		store, err := kvpostgres.New(kvpostgres.Config{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want %s, %s or %s)", cfg.Kind, StoreMemory, StoreBolt, StorePostgres)
	}
}
