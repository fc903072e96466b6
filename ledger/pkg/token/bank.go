// Package token is the store-backed token-transfer primitive. Balances live in
// the same kv.Store as the ledgers, so a transfer made during a ledger
// operation commits or rolls back with it.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/bp"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

const (
	BucketBalances = "token/balances"
	BucketFees     = "token/fees"

	// FeePrecision is the denominator of transfer fees.
	FeePrecision = 10_000
)

// ReceiveHook runs after a transfer has been booked, inside the same
// transaction. It stands in for recipient-side code and may call back into
// any ledger with ctx.
type ReceiveHook func(ctx context.Context, token, from, to common.Address, received *big.Int) error

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

type Bank struct {
	log   *slog.Logger
	cfg   Config
	store kv.Store

	hookMu sync.RWMutex
	hook   ReceiveHook
}

var _ core.Transferer = (*Bank)(nil)

func New(cfg Config) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bank{log: cfg.Logger, cfg: cfg, store: cfg.Store}, nil
}

// OnReceive installs fn as the receive hook; nil removes it.
func (b *Bank) OnReceive(fn ReceiveHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.hook = fn
}

// Transfer moves amount of token from one account to another, burning the
// token's fee, and returns what the recipient received.
func (b *Bank) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid transfer amount %v", amount)
	}
	if core.IsZero(to) {
		return nil, fmt.Errorf("%w: transfer recipient", core.ErrZeroAddress)
	}

	received := new(big.Int)
	err := kv.Update(ctx, b.store, func(ctx context.Context, tx kv.Tx) error {
		if amount.Sign() == 0 {
			return nil
		}
		fromBal, err := balance(tx, token, from)
		if err != nil {
			return err
		}
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s holds %s of %s, needs %s", core.ErrInsufficientFunds, from.Hex(), fromBal, token.Hex(), amount)
		}
		feeBP, err := fee(tx, token)
		if err != nil {
			return err
		}
		received = bp.SubFloor(amount, bp.Fraction(amount, feeBP, FeePrecision))

		if err := putBalance(tx, token, from, fromBal.Sub(fromBal, amount)); err != nil {
			return err
		}
		toBal, err := balance(tx, token, to)
		if err != nil {
			return err
		}
		if err := putBalance(tx, token, to, toBal.Add(toBal, received)); err != nil {
			return err
		}

		b.log.Debug("token: transfer", "token", token.Hex(), "from", from.Hex(), "to", to.Hex(), "amount", amount.String(), "received", received.String())

		b.hookMu.RLock()
		hook := b.hook
		b.hookMu.RUnlock()
		if hook != nil {
			return hook(ctx, token, from, to, new(big.Int).Set(received))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

// Mint credits amount to an account. Operator and test use only.
func (b *Bank) Mint(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid mint amount %v", amount)
	}
	return kv.Update(ctx, b.store, func(ctx context.Context, tx kv.Tx) error {
		bal, err := balance(tx, token, to)
		if err != nil {
			return err
		}
		return putBalance(tx, token, to, bal.Add(bal, amount))
	})
}

func (b *Bank) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := kv.View(ctx, b.store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		out, err = balance(tx, token, account)
		return err
	})
	return out, err
}

// SetFee sets the transfer fee of token in units of FeePrecision.
func (b *Bank) SetFee(ctx context.Context, token common.Address, feeBP uint64) error {
	if feeBP > FeePrecision {
		return fmt.Errorf("fee %d exceeds %d", feeBP, FeePrecision)
	}
	return kv.Update(ctx, b.store, func(ctx context.Context, tx kv.Tx) error {
		return kv.PutJSON(tx, BucketFees, core.Key(token), feeBP)
	})
}

func (b *Bank) FeeOf(ctx context.Context, token common.Address) (uint64, error) {
	var out uint64
	err := kv.View(ctx, b.store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		out, err = fee(tx, token)
		return err
	})
	return out, err
}

func balance(tx kv.Tx, token, account common.Address) (*big.Int, error) {
	bal := new(big.Int)
	if _, err := kv.GetJSON(tx, BucketBalances, core.Key(token, account), bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func putBalance(tx kv.Tx, token, account common.Address, bal *big.Int) error {
	return kv.PutJSON(tx, BucketBalances, core.Key(token, account), bal)
}

func fee(tx kv.Tx, token common.Address) (uint64, error) {
	var feeBP uint64
	if _, err := kv.GetJSON(tx, BucketFees, core.Key(token), &feeBP); err != nil {
		return 0, err
	}
	return feeBP, nil
}
