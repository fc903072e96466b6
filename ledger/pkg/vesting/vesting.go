// Package vesting is the release-curve ledger: per (token, market) unlock
// schedules and per-account withdrawals, net of forfeitures recorded by the
// refund ledger.
package vesting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/kpivest/ledger/pkg/bp"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/metrics"
)

const (
	BucketSchedules = "vesting/schedules"
	BucketClaims    = "vesting/claims"

	EventWithdraw    = "vesting.withdraw"
	EventScheduleSet = "vesting.schedule_set"
	EventRefundSet   = "vesting.refund_set"

	ledgerName = "vesting"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       kv.Store
	Auth        core.Authorizer
	Allocations core.AllocationSource
	Transfers   core.Transferer
	// Forfeitures is optional; without it no forfeiture is ever subtracted.
	Forfeitures core.ForfeitureReader
	// Holder is the account withdrawals are paid from.
	Holder common.Address
	Events core.EventSink
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Auth == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Allocations == nil {
		return errors.New("allocation source is required")
	}
	if cfg.Transfers == nil {
		return errors.New("transferer is required")
	}
	if core.IsZero(cfg.Holder) {
		return errors.New("holder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// pair is the stored configuration of one (token, market) pair.
type pair struct {
	Schedule      Schedule `json:"schedule"`
	RefundEnabled bool     `json:"refund_enabled"`
}

type Ledger struct {
	log *slog.Logger
	cfg Config
}

var _ core.ClaimedReader = (*Ledger)(nil)

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// Withdrawal reports one withdrawal. Nominal is what the ledger booked,
// Received is what reached the account.
type Withdrawal struct {
	Nominal  *big.Int `json:"nominal"`
	Received *big.Int `json:"received"`
}

// Info is the aggregate read of one account under one pair.
type Info struct {
	Schedule      Schedule `json:"schedule"`
	RefundEnabled bool     `json:"refund_enabled"`
	UnlockedBP    uint64   `json:"unlocked_bp"`
	Total         *big.Int `json:"total"`
	TotalClaimed  *big.Int `json:"total_claimed"`
	Withdrawable  *big.Int `json:"withdrawable"`
}

// SetSchedule creates or replaces the release schedule of a pair. New pairs
// start with refund accounting enabled.
func (l *Ledger) SetSchedule(ctx context.Context, caller, token, market common.Address, s Schedule) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_schedule", start, err) }(time.Now())

	if err := l.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	if core.IsZero(token) || core.IsZero(market) {
		return fmt.Errorf("%w: token and market are required", core.ErrZeroAddress)
	}
	if err := s.Validate(); err != nil {
		return err
	}

	return kv.Update(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		p := pair{RefundEnabled: true}
		if _, err := kv.GetJSON(tx, BucketSchedules, core.PairKey(token, market), &p); err != nil {
			return err
		}
		p.Schedule = s
		if err := kv.PutJSON(tx, BucketSchedules, core.PairKey(token, market), p); err != nil {
			return err
		}
		l.log.Info("vesting: schedule set", "token", token.Hex(), "market", market.Hex(),
			"initial_unlock_bp", s.InitialUnlockBP, "periodic_unlock_bp", s.PeriodicUnlockBP, "periods", len(s.PeriodicUnlockDates))
		events.Emit(ctx, tx, l.log, l.cfg.Events, core.NewEvent(l.cfg.Clock.Now(), EventScheduleSet, token, market, common.Address{}, s))
		return nil
	})
}

// SetRefund toggles whether forfeitures reduce withdrawability for a pair.
func (l *Ledger) SetRefund(ctx context.Context, caller, token, market common.Address, enabled bool) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_refund", start, err) }(time.Now())

	if err := l.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	return kv.Update(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		p, err := getPair(tx, token, market)
		if err != nil {
			return err
		}
		p.RefundEnabled = enabled
		if err := kv.PutJSON(tx, BucketSchedules, core.PairKey(token, market), p); err != nil {
			return err
		}
		events.Emit(ctx, tx, l.log, l.cfg.Events, core.NewEvent(l.cfg.Clock.Now(), EventRefundSet, token, market, common.Address{}, map[string]bool{"enabled": enabled}))
		return nil
	})
}

func (l *Ledger) RefundOf(ctx context.Context, token, market common.Address) (bool, error) {
	var enabled bool
	err := kv.View(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		p, err := getPair(tx, token, market)
		enabled = p.RefundEnabled
		return err
	})
	return enabled, err
}

func (l *Ledger) ScheduleOf(ctx context.Context, token, market common.Address) (Schedule, error) {
	var s Schedule
	err := kv.View(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		p, err := getPair(tx, token, market)
		s = p.Schedule
		return err
	})
	return s, err
}

func (l *Ledger) ClaimedOf(ctx context.Context, token, market, account common.Address) (*big.Int, error) {
	return NewClaimReader(l.cfg.Store).ClaimedOf(ctx, token, market, account)
}

// WithdrawableOf is unlocked(now) minus forfeited minus net claimed, floored
// at zero. Net claimed excludes tokens the account returned on forfeiture.
func (l *Ledger) WithdrawableOf(ctx context.Context, token, market, account common.Address) (*big.Int, error) {
	info, err := l.InfoOf(ctx, token, market, account)
	if err != nil {
		return nil, err
	}
	return info.Withdrawable, nil
}

func (l *Ledger) InfoOf(ctx context.Context, token, market, account common.Address) (Info, error) {
	var info Info
	err := kv.View(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		st, err := l.load(ctx, tx, token, market, account, l.cfg.Clock.Now())
		if err != nil {
			return err
		}
		info = Info{
			Schedule:      st.pair.Schedule,
			RefundEnabled: st.pair.RefundEnabled,
			UnlockedBP:    st.unlockedBP,
			Total:         st.total,
			TotalClaimed:  st.claim.TotalClaimed,
			Withdrawable:  st.withdrawable,
		}
		return nil
	})
	return info, err
}

// Withdraw pays the caller's whole withdrawable amount. The claim is booked
// before the transfer runs, so re-entrant calls observe it.
func (l *Ledger) Withdraw(ctx context.Context, caller, token, market common.Address) (w Withdrawal, err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "withdraw", start, err) }(time.Now())

	if core.IsZero(caller) {
		return Withdrawal{}, fmt.Errorf("%w: withdraw", core.ErrZeroAccount)
	}

	err = kv.Update(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		now := l.cfg.Clock.Now()
		st, err := l.load(ctx, tx, token, market, caller, now)
		if err != nil {
			return err
		}
		if !st.pair.Schedule.Started(now) {
			return fmt.Errorf("%w: unlock curve starts at %s", core.ErrNothingToWithdraw, st.pair.Schedule.InitialUnlockDate.UTC().Format(time.RFC3339))
		}
		if st.withdrawable.Sign() <= 0 {
			return fmt.Errorf("%w: %s", core.ErrNothingToWithdraw, caller.Hex())
		}

		nominal := st.withdrawable
		claim := ClaimState{TotalClaimed: bp.Add(st.claim.TotalClaimed, nominal)}
		if err := kv.PutJSON(tx, BucketClaims, core.AccountKey(token, market, caller), claim); err != nil {
			return err
		}

		received, err := l.cfg.Transfers.Transfer(ctx, token, l.cfg.Holder, caller, nominal)
		if err != nil {
			return fmt.Errorf("failed to transfer withdrawal: %w", err)
		}
		w = Withdrawal{Nominal: nominal, Received: received}

		l.log.Info("vesting: withdraw", "token", token.Hex(), "market", market.Hex(), "account", caller.Hex(),
			"nominal", nominal.String(), "received", received.String(), "total_claimed", claim.TotalClaimed.String())
		events.Emit(ctx, tx, l.log, l.cfg.Events, core.NewEvent(now, EventWithdraw, token, market, caller, w))
		tx.AfterCommit(func() {
			metrics.AddAmount(ledgerName, "withdrawn_nominal", nominal)
			metrics.AddAmount(ledgerName, "withdrawn_received", received)
		})
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return w, nil
}

type accountState struct {
	pair         pair
	total        *big.Int
	claim        ClaimState
	unlockedBP   uint64
	withdrawable *big.Int
}

func (l *Ledger) load(ctx context.Context, tx kv.Tx, token, market, account common.Address, now time.Time) (accountState, error) {
	p, err := getPair(tx, token, market)
	if err != nil {
		return accountState{}, err
	}
	alloc, err := l.cfg.Allocations.AllocationOf(ctx, market, account)
	if err != nil {
		return accountState{}, fmt.Errorf("failed to get allocation: %w", err)
	}
	claim, err := getClaim(tx, token, market, account)
	if err != nil {
		return accountState{}, err
	}

	st := accountState{
		pair:       p,
		total:      bp.Or(alloc.Total),
		claim:      claim,
		unlockedBP: p.Schedule.UnlockedBP(now),
	}
	unlocked := bp.Fraction(st.total, st.unlockedBP, p.Schedule.BPPrecision)
	netClaimed := claim.TotalClaimed

	var forfeited *big.Int
	if p.RefundEnabled && l.cfg.Forfeitures != nil {
		f, err := l.cfg.Forfeitures.ForfeitureOf(ctx, token, market, account)
		if err != nil {
			return accountState{}, fmt.Errorf("failed to get forfeiture: %w", err)
		}
		if f.FullForfeited {
			st.withdrawable = new(big.Int)
			return st, nil
		}
		forfeited = f.Total
		netClaimed = bp.SubFloor(claim.TotalClaimed, f.ReturnedClaimed)
	}

	st.withdrawable = bp.SubFloor(unlocked, bp.Add(forfeited, netClaimed))
	return st, nil
}

func getPair(tx kv.Tx, token, market common.Address) (pair, error) {
	var p pair
	found, err := kv.GetJSON(tx, BucketSchedules, core.PairKey(token, market), &p)
	if err != nil {
		return pair{}, err
	}
	if !found {
		return pair{}, fmt.Errorf("%w: no schedule for %s/%s", core.ErrInvalidPair, token.Hex(), market.Hex())
	}
	return p, nil
}
