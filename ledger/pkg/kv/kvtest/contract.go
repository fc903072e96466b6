// Package kvtest holds the behaviour every kv.Store backend must share.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/stretchr/testify/require"
)

// RunContract exercises a backend. newStore must return an empty store.
func RunContract(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Run("get on missing key returns not found", func(t *testing.T) {
		s := newStore(t)
		err := s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			_, err := tx.Get("b", "missing")
			return err
		})
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("committed writes are visible", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			return tx.Put("b", "k", []byte("v1"))
		}))
		require.NoError(t, s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			v, err := tx.Get("b", "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)
			return nil
		}))
	})

	t.Run("reads see own uncommitted writes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			require.NoError(t, tx.Put("b", "k", []byte("v1")))
			v, err := tx.Get("b", "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)
			return nil
		}))
	})

	t.Run("failed update rolls back and drops hooks", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		ran := false
		err := s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			require.NoError(t, tx.Put("b", "k", []byte("v1")))
			tx.AfterCommit(func() { ran = true })
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.False(t, ran)
		err = s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			_, err := tx.Get("b", "k")
			return err
		})
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("hooks run after commit in order", func(t *testing.T) {
		s := newStore(t)
		var order []int
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			tx.AfterCommit(func() { order = append(order, 1) })
			tx.AfterCommit(func() { order = append(order, 2) })
			require.Empty(t, order)
			return tx.Put("b", "k", []byte("v"))
		}))
		require.Equal(t, []int{1, 2}, order)
	})

	t.Run("scan visits prefix in key order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			for _, k := range []string{"a/2", "a/1", "b/1", "a/3"} {
				require.NoError(t, tx.Put("b", k, []byte(k)))
			}
			return nil
		}))
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			require.NoError(t, tx.Put("b", "a/0", []byte("a/0")))
			var keys []string
			require.NoError(t, tx.Scan("b", "a/", func(key string, value []byte) error {
				require.Equal(t, key, string(value))
				keys = append(keys, key)
				return nil
			}))
			require.Equal(t, []string{"a/0", "a/1", "a/2", "a/3"}, keys)
			return nil
		}))
	})

	t.Run("scan on missing bucket visits nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			return tx.Scan("nope", "", func(string, []byte) error {
				t.Fatal("unexpected key")
				return nil
			})
		}))
	})

	t.Run("nested update joins the outer transaction", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := kv.Update(t.Context(), s, func(ctx context.Context, outer kv.Tx) error {
			require.NoError(t, kv.Update(ctx, s, func(ctx context.Context, inner kv.Tx) error {
				return inner.Put("b", "nested", []byte("x"))
			}))
			require.NoError(t, kv.View(ctx, s, func(ctx context.Context, inner kv.Tx) error {
				v, err := inner.Get("b", "nested")
				require.NoError(t, err)
				require.Equal(t, []byte("x"), v)
				return nil
			}))
			return boom
		})
		require.ErrorIs(t, err, boom)
		err = s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			_, err := tx.Get("b", "nested")
			return err
		})
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("update inside view is rejected", func(t *testing.T) {
		s := newStore(t)
		err := kv.View(t.Context(), s, func(ctx context.Context, tx kv.Tx) error {
			return kv.Update(ctx, s, func(ctx context.Context, tx kv.Tx) error {
				return tx.Put("b", "k", []byte("v"))
			})
		})
		require.ErrorIs(t, err, kv.ErrReadOnly)
	})

	t.Run("json helpers round trip", func(t *testing.T) {
		s := newStore(t)
		type entry struct {
			N int `json:"n"`
		}
		require.NoError(t, s.Update(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			return kv.PutJSON(tx, "b", "p/1", entry{N: 7})
		}))
		require.NoError(t, s.View(t.Context(), func(ctx context.Context, tx kv.Tx) error {
			var e entry
			found, err := kv.GetJSON(tx, "b", "p/1", &e)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 7, e.N)

			found, err = kv.GetJSON(tx, "b", "p/2", &e)
			require.NoError(t, err)
			require.False(t, found)

			n := 0
			require.NoError(t, kv.ScanJSON(tx, "b", "p/", func(key string, v entry) error {
				n += v.N
				return nil
			}))
			require.Equal(t, 7, n)
			return nil
		}))
	})

	t.Run("ping succeeds on open store", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(t.Context()))
	})
}
