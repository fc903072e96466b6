// Package ledger wires the vesting, refund and claimer ledgers and their
// store-backed collaborators onto one shared store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/kpivest/ledger/pkg/access"
	"github.com/malbeclabs/kpivest/ledger/pkg/claimer"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/referral"
	"github.com/malbeclabs/kpivest/ledger/pkg/refund"
	"github.com/malbeclabs/kpivest/ledger/pkg/sale"
	"github.com/malbeclabs/kpivest/ledger/pkg/token"
	"github.com/malbeclabs/kpivest/ledger/pkg/vesting"
)

// DefaultRequesterID names the refund ledger in the claimer's directory.
const DefaultRequesterID = "default"

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  kv.Store
	Events core.EventSink

	// VestingHolder pays withdrawals, ClaimerHolder pays refunds.
	VestingHolder common.Address
	ClaimerHolder common.Address

	// Verifier is optional and checks refund request extra data.
	Verifier core.Verifier
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if core.IsZero(cfg.VestingHolder) {
		return errors.New("vesting holder is required")
	}
	if core.IsZero(cfg.ClaimerHolder) {
		return errors.New("claimer holder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg Config

	Roles   *access.Registry
	Auth    *access.Authorizer
	Bank    *token.Bank
	Shares  *referral.Pool
	Sale    *sale.Registry
	Vesting *vesting.Ledger
	Refund  *refund.Ledger
	Claimer *claimer.Claimer
	Refunds *refund.Reader
	Claims  *vesting.ClaimReader
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	roles, err := access.NewRegistry(access.Config{Logger: log, Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("failed to create role registry: %w", err)
	}
	auth := access.NewAuthorizer(roles)

	bank, err := token.New(token.Config{Logger: log, Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("failed to create token bank: %w", err)
	}

	shares, err := referral.New(referral.Config{Logger: log, Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("failed to create referral pool: %w", err)
	}

	saleRegistry, err := sale.New(sale.Config{Logger: log, Store: cfg.Store, Shares: shares})
	if err != nil {
		return nil, fmt.Errorf("failed to create sale registry: %w", err)
	}

	// The ledgers read each other only through store-backed readers.
	refunds := refund.NewReader(cfg.Store)
	claims := vesting.NewClaimReader(cfg.Store)

	vestingLedger, err := vesting.New(vesting.Config{
		Logger:      log,
		Clock:       cfg.Clock,
		Store:       cfg.Store,
		Auth:        auth,
		Allocations: saleRegistry,
		Transfers:   bank,
		Forfeitures: refunds,
		Holder:      cfg.VestingHolder,
		Events:      cfg.Events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vesting ledger: %w", err)
	}

	refundLedger, err := refund.New(refund.Config{
		Logger:      log,
		Clock:       cfg.Clock,
		Store:       cfg.Store,
		Auth:        auth,
		Allocations: saleRegistry,
		Claims:      claims,
		Transfers:   bank,
		Shares:      shares,
		Verifier:    cfg.Verifier,
		Events:      cfg.Events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refund ledger: %w", err)
	}

	claim, err := claimer.New(claimer.Config{
		Logger:     log,
		Clock:      cfg.Clock,
		Store:      cfg.Store,
		Auth:       auth,
		Transfers:  bank,
		Prices:     saleRegistry,
		Requesters: map[string]any{DefaultRequesterID: refunds},
		Holder:     cfg.ClaimerHolder,
		Events:     cfg.Events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create claimer: %w", err)
	}

	return &Ledger{
		log:     log,
		cfg:     cfg,
		Roles:   roles,
		Auth:    auth,
		Bank:    bank,
		Shares:  shares,
		Sale:    saleRegistry,
		Vesting: vestingLedger,
		Refund:  refundLedger,
		Claimer: claim,
		Refunds: refunds,
		Claims:  claims,
	}, nil
}

// Ready reports whether the backing store answers.
func (l *Ledger) Ready(ctx context.Context) bool {
	if err := l.cfg.Store.Ping(ctx); err != nil {
		l.log.Debug("ledger: store not ready", "error", err)
		return false
	}
	return true
}

func (l *Ledger) Store() kv.Store {
	return l.cfg.Store
}

func (l *Ledger) Close() error {
	return l.cfg.Store.Close()
}
