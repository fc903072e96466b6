// Package refund is the KPI refund ledger. Accounts forfeit the slice of their
// allocation tied to a KPI inside that KPI's window, returning whatever part
// of the slice was already paid out to them.
package refund

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
	BucketMarkets = "refund/markets"
	BucketEntries = "refund/entries"

	EventRequest               = "refund.request"
	EventSetKPI                = "refund.set_kpi"
	EventAppendKPI             = "refund.append_kpi"
	EventSetForfeitable        = "refund.set_forfeitable"
	EventSetPayoutEligible     = "refund.set_payout_eligible"
	EventSetProjectFundsHolder = "refund.set_project_funds_holder"
	EventInitialize            = "refund.initialize"

	ledgerName = "refund"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       kv.Store
	Auth        core.Authorizer
	Allocations core.AllocationSource
	Claims      core.ClaimedReader
	Transfers   core.Transferer
	// Shares is optional; without it no referral shares are burned.
	Shares core.ShareBurner
	// Verifier is optional; without it extra data is ignored.
	Verifier core.Verifier
	Events   core.EventSink
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
	if cfg.Claims == nil {
		return errors.New("claimed reader is required")
	}
	if cfg.Transfers == nil {
		return errors.New("transferer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ledger serves refund requests. KPI administration is provided by the
// embedded Editor.
type Ledger struct {
	*Editor

	log    *slog.Logger
	cfg    Config
	reader *Reader
}

var _ core.ForfeitureReader = (*Ledger)(nil)

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		Editor: &Editor{log: cfg.Logger, cfg: &cfg},
		log:    cfg.Logger,
		cfg:    cfg,
		reader: NewReader(cfg.Store),
	}, nil
}

// Request is the outcome of a refund request. Returned is the nominal amount
// pulled from the account, Received what reached the project funds holder.
type Request struct {
	KPIIndex  int      `json:"kpi_index"`
	Forfeited *big.Int `json:"forfeited"`
	Returned  *big.Int `json:"returned"`
	Received  *big.Int `json:"received"`
	Burned    *big.Int `json:"burned"`
}

// Info is the aggregate read of one account under one pair.
type Info struct {
	BPPrecision         uint64           `json:"bp_precision"`
	ProjectFundsHolder  common.Address   `json:"project_funds_holder"`
	KPIs                []core.KPI       `json:"kpis"`
	TotalForfeitedByKPI map[int]*big.Int `json:"total_forfeited_by_kpi"`
	Entry               core.Forfeiture  `json:"entry"`
}

func (l *Ledger) ForfeitureOf(ctx context.Context, token, market, account common.Address) (core.Forfeiture, error) {
	return l.reader.ForfeitureOf(ctx, token, market, account)
}

func (l *Ledger) KPIsOf(ctx context.Context, token, market common.Address) ([]core.KPI, error) {
	return l.reader.KPIsOf(ctx, token, market)
}

func (l *Ledger) InfoOf(ctx context.Context, token, market, account common.Address) (Info, error) {
	var info Info
	err := kv.View(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		m, err := getMarket(tx, token, market)
		if err != nil {
			return err
		}
		entry, err := getEntry(tx, token, market, account)
		if err != nil {
			return err
		}
		info = Info{
			BPPrecision:         m.BPPrecision,
			ProjectFundsHolder:  m.ProjectFundsHolder,
			KPIs:                m.KPIs,
			TotalForfeitedByKPI: m.TotalForfeitedByKPI,
			Entry:               entry,
		}
		return nil
	})
	return info, err
}

// RequestRefund forfeits the caller's slice for KPI kpiIndex and pulls
// returned tokens back from the caller. Ledger state is written before the
// pull runs.
func (l *Ledger) RequestRefund(ctx context.Context, caller, token, market common.Address, kpiIndex int, returned *big.Int, extraData []byte) (req Request, err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "request", start, err) }(time.Now())

	if core.IsZero(caller) {
		return Request{}, fmt.Errorf("%w: refund request", core.ErrZeroAccount)
	}
	returned = bp.Or(returned)
	if returned.Sign() < 0 {
		return Request{}, fmt.Errorf("%w: negative return %s", core.ErrInvalidReturn, returned)
	}

	err = kv.Update(ctx, l.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		now := l.cfg.Clock.Now()
		m, err := getMarket(tx, token, market)
		if err != nil {
			return err
		}
		if kpiIndex < 0 || kpiIndex >= len(m.KPIs) {
			return fmt.Errorf("%w: index %d out of range [0, %d)", core.ErrInvalidKPI, kpiIndex, len(m.KPIs))
		}
		kpi := m.KPIs[kpiIndex]
		if !kpi.Started(now) {
			// Not-started also reads as a closed window for callers that only
			// distinguish open from closed.
			return fmt.Errorf("%w: %w: kpi %d opens at %s", core.ErrNotStarted, core.ErrWindowClosed, kpiIndex, kpi.WindowStart.UTC().Format(time.RFC3339))
		}
		if kpi.Ended(now) {
			return fmt.Errorf("%w: kpi %d closed at %s", core.ErrWindowClosed, kpiIndex, kpi.WindowEnd.UTC().Format(time.RFC3339))
		}
		if !kpi.IsForfeitable {
			return fmt.Errorf("%w: kpi %d", core.ErrNotForfeitable, kpiIndex)
		}

		entry, err := getEntry(tx, token, market, caller)
		if err != nil {
			return err
		}
		if entry.FullForfeited {
			return fmt.Errorf("%w: allocation fully forfeited", core.ErrAlreadyForfeited)
		}
		if entry.Forfeited(kpiIndex) {
			return fmt.Errorf("%w: kpi %d", core.ErrAlreadyForfeited, kpiIndex)
		}

		if l.cfg.Verifier != nil {
			if err := l.cfg.Verifier.Verify(ctx, token, market, caller, extraData); err != nil {
				return fmt.Errorf("%w: extra data rejected: %w", core.ErrForbidden, err)
			}
		}

		alloc, err := l.cfg.Allocations.AllocationOf(ctx, market, caller)
		if err != nil {
			return fmt.Errorf("failed to get allocation: %w", err)
		}
		total := bp.Or(alloc.Total)
		if total.Sign() == 0 {
			return fmt.Errorf("%w: %s in %s", core.ErrNoAllocation, caller.Hex(), market.Hex())
		}
		claimed, err := l.cfg.Claims.ClaimedOf(ctx, token, market, caller)
		if err != nil {
			return fmt.Errorf("failed to get claimed amount: %w", err)
		}
		netClaimed := bp.SubFloor(claimed, entry.ReturnedClaimed)

		forfeited, err := forfeitAmount(m, kpiIndex, total, entry.Total, netClaimed, returned)
		if err != nil {
			return err
		}

		burned := bp.Fraction(forfeited, kpi.MultiplierBP, m.BPPrecision)
		entry.Total = bp.Add(entry.Total, forfeited)
		entry.WithMultiplier = bp.Add(entry.WithMultiplier, burned)
		entry.ByKPI[kpiIndex] = forfeited
		if kpi.IsFullForfeiture {
			entry.FullForfeited = true
		}
		m.TotalForfeitedByKPI[kpiIndex] = bp.Add(m.TotalForfeitedByKPI[kpiIndex], forfeited)
		if err := putEntry(tx, token, market, caller, entry); err != nil {
			return err
		}
		if err := putMarket(tx, token, market, m); err != nil {
			return err
		}

		received := new(big.Int)
		if returned.Sign() > 0 {
			received, err = l.cfg.Transfers.Transfer(ctx, token, caller, m.ProjectFundsHolder, returned)
			if err != nil {
				return fmt.Errorf("failed to pull returned tokens: %w", err)
			}
			// Re-read: the transfer may have re-entered and touched the entry.
			entry, err = getEntry(tx, token, market, caller)
			if err != nil {
				return err
			}
			entry.ReturnedClaimed = bp.Add(entry.ReturnedClaimed, received)
			if err := putEntry(tx, token, market, caller, entry); err != nil {
				return err
			}
		}

		l.burnReferralShares(ctx, alloc, burned)

		req = Request{KPIIndex: kpiIndex, Forfeited: forfeited, Returned: returned, Received: received, Burned: burned}
		l.log.Info("refund: request", "token", token.Hex(), "market", market.Hex(), "account", caller.Hex(), "kpi", kpiIndex,
			"forfeited", forfeited.String(), "returned", returned.String(), "received", received.String(), "full", kpi.IsFullForfeiture)
		events.Emit(ctx, tx, l.log, l.cfg.Events, core.NewEvent(now, EventRequest, token, market, caller, req))
		tx.AfterCommit(func() {
			metrics.AddAmount(ledgerName, "forfeited", forfeited)
			metrics.AddAmount(ledgerName, "returned_received", received)
		})
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// forfeitAmount sizes a forfeiture and checks the returned amount against it.
// prior is the forfeited total before this call, netClaimed what the account
// still holds from withdrawals.
func forfeitAmount(m Market, i int, total, prior, netClaimed, returned *big.Int) (*big.Int, error) {
	if returned.Cmp(netClaimed) > 0 {
		return nil, fmt.Errorf("%w: returning %s but only %s was claimed", core.ErrInvalidReturn, returned, netClaimed)
	}
	kpi := m.KPIs[i]

	if kpi.IsFullForfeiture {
		forfeited := bp.Add(bp.SubFloor(total, bp.Add(prior, netClaimed)), returned)
		if forfeited.Sign() == 0 {
			return nil, fmt.Errorf("%w: nothing remains of the allocation", core.ErrNothingToForfeit)
		}
		return forfeited, nil
	}

	slice := bp.Fraction(total, kpi.CumulativeUnlockBP-baselineBP(m.KPIs, i), m.BPPrecision)
	if slice.Sign() == 0 {
		return nil, fmt.Errorf("%w: kpi %d releases nothing", core.ErrNothingToForfeit, i)
	}
	// Part of the slice never paid out; the rest sits with the account and
	// has to come back.
	unpaid := bp.Clamp(
		bp.Sub(bp.Fraction(total, kpi.CumulativeUnlockBP, m.BPPrecision), bp.Add(prior, netClaimed)),
		bp.Zero(), slice,
	)
	required := bp.Sub(slice, unpaid)
	if returned.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: kpi %d requires returning at least %s, got %s", core.ErrInvalidReturn, i, required, returned)
	}
	if returned.Cmp(slice) > 0 {
		return nil, fmt.Errorf("%w: returning %s exceeds forfeited %s", core.ErrInvalidReturn, returned, slice)
	}
	return slice, nil
}

func (l *Ledger) burnReferralShares(ctx context.Context, alloc core.Allocation, amount *big.Int) {
	if l.cfg.Shares == nil || amount.Sign() == 0 {
		return
	}
	for _, ref := range []common.Address{alloc.Referrer, alloc.DefaultReferrer} {
		if core.IsZero(ref) {
			continue
		}
		if err := l.cfg.Shares.BurnShares(ctx, ref, amount); err != nil {
			metrics.ReferralBurnFailuresTotal.Inc()
			l.log.Warn("refund: referral burn failed", "referrer", ref.Hex(), "amount", amount.String(), "error", err)
		}
	}
}
