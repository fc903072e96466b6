// Package sale is the store-backed allocation source: purchased totals,
// referral lineage and the fixed price of every market.
package sale

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

const (
	BucketMarkets     = "sale/markets"
	BucketAllocations = "sale/allocations"
)

// Market is the sale-time configuration of a market.
type Market struct {
	// Price converts sale-token units into purchase-currency units (UQ112).
	Price *big.Int `json:"price"`
}

// ShareAdder credits referral shares.
type ShareAdder interface {
	AddShares(ctx context.Context, account common.Address, amount *big.Int) error
}

type Config struct {
	Logger *slog.Logger
	Store  kv.Store
	Shares ShareAdder
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Shares == nil {
		return errors.New("share ledger is required")
	}
	return nil
}

type Registry struct {
	log *slog.Logger
	cfg Config
}

var (
	_ core.AllocationSource = (*Registry)(nil)
	_ core.PriceSource      = (*Registry)(nil)
)

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

// SetPrice records the market price from the amounts of one sale: buyAmount
// of purchase currency paid for saleAmount of sale token.
func (r *Registry) SetPrice(ctx context.Context, market common.Address, buyAmount, saleAmount *big.Int) error {
	if core.IsZero(market) {
		return fmt.Errorf("%w: market", core.ErrZeroAddress)
	}
	price, err := bp.ToUQ112(buyAmount, saleAmount)
	if err != nil {
		return fmt.Errorf("invalid sale price: %w", err)
	}
	return kv.Update(ctx, r.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		r.log.Info("sale: price set", "market", market.Hex(), "price_uq112", price.String())
		return kv.PutJSON(tx, BucketMarkets, core.Key(market), Market{Price: price})
	})
}

func (r *Registry) PriceOf(ctx context.Context, market common.Address) (*big.Int, error) {
	var m Market
	var found bool
	err := kv.View(ctx, r.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		found, err = kv.GetJSON(tx, BucketMarkets, core.Key(market), &m)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no price for market %s", core.ErrInvalidPair, market.Hex())
	}
	return m.Price, nil
}

// AddAccount records a purchase. Totals accumulate across calls; a non-zero
// referrer replaces the recorded lineage. Both referrers are credited amount
// shares.
func (r *Registry) AddAccount(ctx context.Context, market, account common.Address, amount *big.Int, referrer, defaultReferrer common.Address) error {
	if core.IsZero(market) {
		return fmt.Errorf("%w: market", core.ErrZeroAddress)
	}
	if core.IsZero(account) {
		return fmt.Errorf("%w: account", core.ErrZeroAccount)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid purchase amount %v", amount)
	}
	return kv.Update(ctx, r.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		alloc := core.Allocation{Total: new(big.Int)}
		if _, err := kv.GetJSON(tx, BucketAllocations, core.Key(market, account), &alloc); err != nil {
			return err
		}
		alloc.Total = bp.Add(alloc.Total, amount)
		if !core.IsZero(referrer) {
			alloc.Referrer = referrer
		}
		if !core.IsZero(defaultReferrer) {
			alloc.DefaultReferrer = defaultReferrer
		}
		if err := kv.PutJSON(tx, BucketAllocations, core.Key(market, account), alloc); err != nil {
			return err
		}
		if err := r.cfg.Shares.AddShares(ctx, alloc.Referrer, amount); err != nil {
			return fmt.Errorf("failed to credit referrer: %w", err)
		}
		if err := r.cfg.Shares.AddShares(ctx, alloc.DefaultReferrer, amount); err != nil {
			return fmt.Errorf("failed to credit default referrer: %w", err)
		}
		r.log.Debug("sale: account added", "market", market.Hex(), "account", account.Hex(), "total", alloc.Total.String())
		return nil
	})
}

// AllocationOf returns a zero allocation for accounts that never purchased.
func (r *Registry) AllocationOf(ctx context.Context, market, account common.Address) (core.Allocation, error) {
	alloc := core.Allocation{Total: new(big.Int)}
	err := kv.View(ctx, r.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		_, err := kv.GetJSON(tx, BucketAllocations, core.Key(market, account), &alloc)
		return err
	})
	if err != nil {
		return core.Allocation{}, err
	}
	if alloc.Total == nil {
		alloc.Total = new(big.Int)
	}
	return alloc, nil
}
