// Package bolt is the embedded single-file backend of kv.Store.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	bolt "go.etcd.io/bbolt"
)

type Config struct {
	Logger  *slog.Logger
	Path    string
	Timeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return nil
}

type Store struct {
	log *slog.Logger
	db  *bolt.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (or creates) the database file. Only one process may hold it.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	cfg.Logger.Debug("kv/bolt: opened", "path", cfg.Path)
	return &Store{log: cfg.Logger, db: db}, nil
}

func (s *Store) Update(ctx context.Context, fn kv.TxFunc) error {
	t := &tx{}
	err := s.db.Update(func(btx *bolt.Tx) error {
		t.btx = btx
		return fn(kv.WithTx(ctx, t), t)
	})
	if err != nil {
		return err
	}
	t.Run()
	return nil
}

func (s *Store) View(ctx context.Context, fn kv.TxFunc) error {
	return s.db.View(func(btx *bolt.Tx) error {
		t := &tx{btx: btx}
		return fn(kv.WithTx(ctx, t), t)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	kv.Hooks
	btx *bolt.Tx
}

func (t *tx) Writable() bool { return t.btx.Writable() }

func (t *tx) Get(bucket, key string) ([]byte, error) {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return nil, kv.ErrNotFound
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, kv.ErrNotFound
	}
	// bolt values are only valid for the life of the transaction
	return bytes.Clone(v), nil
}

func (t *tx) Put(bucket, key string, value []byte) error {
	if !t.btx.Writable() {
		return kv.ErrReadOnly
	}
	b, err := t.btx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return b.Put([]byte(key), bytes.Clone(value))
}

func (t *tx) Scan(bucket, prefix string, fn func(key string, value []byte) error) error {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	p := []byte(prefix)
	c := b.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(string(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}
