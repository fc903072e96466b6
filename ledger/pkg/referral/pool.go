// Package referral tracks referral shares credited to referrers by sales and
// reduced again by forfeitures.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/bp"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

const BucketShares = "referral/shares"

type Config struct {
	Logger *slog.Logger
	Store  kv.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

type Pool struct {
	log   *slog.Logger
	store kv.Store
}

var _ core.ShareBurner = (*Pool)(nil)

func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{log: cfg.Logger, store: cfg.Store}, nil
}

func (p *Pool) AddShares(ctx context.Context, account common.Address, amount *big.Int) error {
	if core.IsZero(account) || bp.IsZero(amount) {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative share amount %s", amount)
	}
	return p.update(ctx, account, func(cur *big.Int) *big.Int {
		return cur.Add(cur, amount)
	})
}

// BurnShares reduces the account's shares by amount, flooring at zero.
func (p *Pool) BurnShares(ctx context.Context, account common.Address, amount *big.Int) error {
	if core.IsZero(account) || bp.IsZero(amount) {
		return nil
	}
	return p.update(ctx, account, func(cur *big.Int) *big.Int {
		return bp.SubFloor(cur, amount)
	})
}

func (p *Pool) SharesOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out := new(big.Int)
	err := kv.View(ctx, p.store, func(ctx context.Context, tx kv.Tx) error {
		_, err := kv.GetJSON(tx, BucketShares, core.Key(account), out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) update(ctx context.Context, account common.Address, fn func(cur *big.Int) *big.Int) error {
	return kv.Update(ctx, p.store, func(ctx context.Context, tx kv.Tx) error {
		cur := new(big.Int)
		if _, err := kv.GetJSON(tx, BucketShares, core.Key(account), cur); err != nil {
			return err
		}
		next := fn(cur)
		p.log.Debug("referral: shares updated", "account", account.Hex(), "shares", next.String())
		return kv.PutJSON(tx, BucketShares, core.Key(account), next)
	})
}
