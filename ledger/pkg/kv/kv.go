// Package kv is the flat keyed store every ledger persists into.
//
// A Store runs serialized read-write transactions. The active transaction is
// carried in the context: Update and View called with a context that already
// holds a transaction join it instead of opening a new one, so nested and
// re-entrant ledger calls made during an operation see its uncommitted writes
// and commit or roll back together with it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("kv: not found")
	ErrReadOnly = errors.New("kv: write in read-only transaction")
)

// Tx is a single store transaction.
type Tx interface {
	// Get returns ErrNotFound when the key is absent.
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	// Scan visits keys with the given prefix in ascending byte order.
	Scan(bucket, prefix string, fn func(key string, value []byte) error) error
	// AfterCommit registers fn to run once the transaction has committed.
	// Callbacks are dropped when the transaction rolls back.
	AfterCommit(fn func())
	Writable() bool
}

// TxFunc is the body of a transaction. ctx carries tx.
type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	Update(ctx context.Context, fn TxFunc) error
	View(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
	Close() error
}

type txKey struct{}

// WithTx returns ctx carrying tx.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// Update runs fn in the transaction carried by ctx, or in a new read-write
// transaction of s.
func Update(ctx context.Context, s Store, fn TxFunc) error {
	if tx, ok := TxFrom(ctx); ok {
		if !tx.Writable() {
			return ErrReadOnly
		}
		return fn(ctx, tx)
	}
	return s.Update(ctx, fn)
}

// View runs fn in the transaction carried by ctx, or in a new read-only
// transaction of s.
func View(ctx context.Context, s Store, fn TxFunc) error {
	if tx, ok := TxFrom(ctx); ok {
		return fn(ctx, tx)
	}
	return s.View(ctx, fn)
}

// GetJSON decodes the value at key into v. found is false when the key is
// absent, in which case v is untouched.
func GetJSON(tx Tx, bucket, key string, v any) (found bool, err error) {
	raw, err := tx.Get(bucket, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(tx Tx, bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return tx.Put(bucket, key, raw)
}

// ScanJSON decodes every value under prefix and passes it to fn.
func ScanJSON[T any](tx Tx, bucket, prefix string, fn func(key string, v T) error) error {
	return tx.Scan(bucket, prefix, func(key string, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
		}
		return fn(key, v)
	})
}

// Hooks collects after-commit callbacks; backends embed it in their Tx.
type Hooks struct {
	fns []func()
}

func (h *Hooks) AfterCommit(fn func()) {
	h.fns = append(h.fns, fn)
}

// Run invokes every registered callback in registration order.
func (h *Hooks) Run() {
	for _, fn := range h.fns {
		fn()
	}
}

var ErrStoreClosed = errors.New("kv: store closed")
