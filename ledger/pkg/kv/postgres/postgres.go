// Package postgres is the shared-database backend of kv.Store.
//
// Read-write transactions are serialized across every process using the same
// database through a transaction-scoped advisory lock, which gives the
// single-writer semantics the ledgers rely on.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/utils/pkg/dberror"
)

// DefaultLockID is the advisory lock key taken by every write transaction.
const DefaultLockID int64 = 0x6b7069766573 // "kpives"

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	LockID int64
	Retry  dberror.RetryConfig
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.LockID == 0 {
		cfg.LockID = DefaultLockID
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = dberror.DefaultRetryConfig()
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	cfg  Config
	pool *pgxpool.Pool
}

var _ kv.Store = (*Store)(nil)

// New wraps pool. The store takes ownership: Close closes the pool.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg, pool: cfg.Pool}, nil
}

// aborted carries an error returned by the transaction body that did not come
// from storage, so the retry loop gives up on it immediately.
type aborted struct {
	err error
}

func (a *aborted) Error() string { return a.err.Error() }
func (a *aborted) Unwrap() error { return a.err }

func (s *Store) Update(ctx context.Context, fn kv.TxFunc) error {
	attempt := 0
	_, err := dberror.Retry(ctx, s.cfg.Retry, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.log.Debug("kv/postgres: retrying transaction", "attempt", attempt)
		}
		return struct{}{}, s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, true, fn)
	})
	var ab *aborted
	if errors.As(err, &ab) {
		return ab.err
	}
	return err
}

func (s *Store) View(ctx context.Context, fn kv.TxFunc) error {
	_, err := dberror.Retry(ctx, s.cfg.Retry, func() (struct{}, error) {
		return struct{}{}, s.run(ctx, pgx.TxOptions{
			IsoLevel:   pgx.RepeatableRead,
			AccessMode: pgx.ReadOnly,
		}, false, fn)
	})
	var ab *aborted
	if errors.As(err, &ab) {
		return ab.err
	}
	return err
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn kv.TxFunc) error {
	pgtx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = pgtx.Rollback(context.WithoutCancel(ctx)) }()

	if writable {
		if _, err := pgtx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", s.cfg.LockID); err != nil {
			return fmt.Errorf("failed to acquire ledger lock: %w", err)
		}
	}

	t := &tx{ctx: ctx, pgtx: pgtx, writable: writable}
	if err := fn(kv.WithTx(ctx, t), t); err != nil {
		if t.storageErr != nil {
			return t.storageErr
		}
		return &aborted{err: err}
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.Run()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type tx struct {
	kv.Hooks
	ctx        context.Context
	pgtx       pgx.Tx
	writable   bool
	storageErr error
}

func (t *tx) Writable() bool { return t.writable }

func (t *tx) fail(err error) error {
	if t.storageErr == nil {
		t.storageErr = err
	}
	return err
}

func (t *tx) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := t.pgtx.QueryRow(t.ctx,
		`SELECT value FROM kv_entries WHERE bucket = $1 AND key = $2`,
		bucket, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, t.fail(fmt.Errorf("failed to get %s/%s: %w", bucket, key, err))
	}
	return value, nil
}

func (t *tx) Put(bucket, key string, value []byte) error {
	if !t.writable {
		return kv.ErrReadOnly
	}
	_, err := t.pgtx.Exec(t.ctx,
		`INSERT INTO kv_entries (bucket, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		bucket, key, value,
	)
	if err != nil {
		return t.fail(fmt.Errorf("failed to put %s/%s: %w", bucket, key, err))
	}
	return nil
}

func (t *tx) Scan(bucket, prefix string, fn func(key string, value []byte) error) error {
	rows, err := t.pgtx.Query(t.ctx,
		`SELECT key, value FROM kv_entries WHERE bucket = $1 AND starts_with(key, $2) ORDER BY key`,
		bucket, prefix,
	)
	if err != nil {
		return t.fail(fmt.Errorf("failed to scan %s: %w", bucket, err))
	}

	type entry struct {
		key   string
		value []byte
	}
	// Collect first: the connection cannot serve other queries while rows are open.
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entry, error) {
		var e entry
		err := row.Scan(&e.key, &e.value)
		return e, err
	})
	if err != nil {
		return t.fail(fmt.Errorf("failed to read %s rows: %w", bucket, err))
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
