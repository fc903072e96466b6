package refund

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/metrics"
)

// MarketConfig is the one-time configuration of a refund market.
type MarketConfig struct {
	BPPrecision        uint64         `json:"bp_precision"`
	ProjectFundsHolder common.Address `json:"project_funds_holder"`
	KPIs               []core.KPI     `json:"kpis"`
}

// Editor holds the admin operations on refund markets. Every mutation is
// checked against the KPI window it touches and revalidated as a whole list.
type Editor struct {
	log *slog.Logger
	cfg *Config
}

func (e *Editor) Initialize(ctx context.Context, caller, token, market common.Address, mc MarketConfig) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "initialize", start, err) }(time.Now())

	if err := e.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	if core.IsZero(token) || core.IsZero(market) || core.IsZero(mc.ProjectFundsHolder) {
		return fmt.Errorf("%w: token, market and project funds holder are required", core.ErrZeroAddress)
	}
	if err := validateKPIs(mc.BPPrecision, mc.KPIs); err != nil {
		return err
	}

	return kv.Update(ctx, e.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		var existing Market
		found, err := kv.GetJSON(tx, BucketMarkets, core.PairKey(token, market), &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: refund market %s/%s", core.ErrAlreadyInitialized, token.Hex(), market.Hex())
		}
		m := Market{
			BPPrecision:         mc.BPPrecision,
			ProjectFundsHolder:  mc.ProjectFundsHolder,
			KPIs:                slices.Clone(mc.KPIs),
			TotalForfeitedByKPI: make(map[int]*big.Int),
		}
		if err := putMarket(tx, token, market, m); err != nil {
			return err
		}
		e.log.Info("refund: market initialized", "token", token.Hex(), "market", market.Hex(), "kpis", len(m.KPIs), "bp_precision", m.BPPrecision)
		events.Emit(ctx, tx, e.log, e.cfg.Events, core.NewEvent(e.cfg.Clock.Now(), EventInitialize, token, market, common.Address{}, mc))
		return nil
	})
}

// AppendKPI adds a KPI at the end of the list. The list is locked once the
// first window has opened.
func (e *Editor) AppendKPI(ctx context.Context, caller, token, market common.Address, kpi core.KPI) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "append_kpi", start, err) }(time.Now())

	return e.edit(ctx, caller, token, market, EventAppendKPI, func(now time.Time, m *Market) (any, error) {
		if m.KPIs[0].Started(now) {
			return nil, fmt.Errorf("%w: kpi list locked since %s", core.ErrEditWindowClosed, m.KPIs[0].WindowStart.UTC().Format(time.RFC3339))
		}
		next := append(slices.Clone(m.KPIs), kpi)
		if err := validateKPIs(m.BPPrecision, next); err != nil {
			return nil, err
		}
		m.KPIs = next
		e.log.Info("refund/kpi: appended", "token", token.Hex(), "market", market.Hex(), "index", len(next)-1)
		return map[string]any{"index": len(next) - 1, "kpi": kpi}, nil
	})
}

// SetKPI replaces KPI index before its window opens.
func (e *Editor) SetKPI(ctx context.Context, caller, token, market common.Address, index int, kpi core.KPI) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_kpi", start, err) }(time.Now())

	return e.edit(ctx, caller, token, market, EventSetKPI, func(now time.Time, m *Market) (any, error) {
		if err := checkIndex(m, index); err != nil {
			return nil, err
		}
		if m.KPIs[index].Started(now) {
			return nil, fmt.Errorf("%w: kpi %d opened at %s", core.ErrEditWindowClosed, index, m.KPIs[index].WindowStart.UTC().Format(time.RFC3339))
		}
		if kpi.Started(now) {
			return nil, fmt.Errorf("%w: kpi %d would open at %s, not after now", core.ErrInvalidKPI, index, kpi.WindowStart.UTC().Format(time.RFC3339))
		}
		next := slices.Clone(m.KPIs)
		next[index] = kpi
		if err := validateKPIs(m.BPPrecision, next); err != nil {
			return nil, err
		}
		m.KPIs = next
		e.log.Info("refund/kpi: set", "token", token.Hex(), "market", market.Hex(), "index", index,
			"cumulative_unlock_bp", kpi.CumulativeUnlockBP, "full", kpi.IsFullForfeiture)
		return map[string]any{"index": index, "kpi": kpi}, nil
	})
}

// SetForfeitable toggles whether requests are accepted for KPI index. It is
// frozen once the window has fully elapsed.
func (e *Editor) SetForfeitable(ctx context.Context, caller, token, market common.Address, index int, forfeitable bool) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_forfeitable", start, err) }(time.Now())

	return e.edit(ctx, caller, token, market, EventSetForfeitable, func(now time.Time, m *Market) (any, error) {
		if err := checkIndex(m, index); err != nil {
			return nil, err
		}
		if m.KPIs[index].Ended(now) {
			return nil, fmt.Errorf("%w: kpi %d closed at %s", core.ErrEditWindowClosed, index, m.KPIs[index].WindowEnd.UTC().Format(time.RFC3339))
		}
		m.KPIs[index].IsForfeitable = forfeitable
		return map[string]any{"index": index, "forfeitable": forfeitable}, nil
	})
}

// SetPayoutEligible toggles whether the claimer settles KPI index.
func (e *Editor) SetPayoutEligible(ctx context.Context, caller, token, market common.Address, index int, eligible bool) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_payout_eligible", start, err) }(time.Now())

	return e.edit(ctx, caller, token, market, EventSetPayoutEligible, func(_ time.Time, m *Market) (any, error) {
		if err := checkIndex(m, index); err != nil {
			return nil, err
		}
		m.KPIs[index].IsPayoutEligible = eligible
		return map[string]any{"index": index, "payout_eligible": eligible}, nil
	})
}

func (e *Editor) SetProjectFundsHolder(ctx context.Context, caller, token, market, holder common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_project_funds_holder", start, err) }(time.Now())

	if core.IsZero(holder) {
		return fmt.Errorf("%w: project funds holder", core.ErrZeroAddress)
	}
	return e.edit(ctx, caller, token, market, EventSetProjectFundsHolder, func(_ time.Time, m *Market) (any, error) {
		m.ProjectFundsHolder = holder
		return map[string]string{"holder": holder.Hex()}, nil
	})
}

// edit runs an admin mutation of a market and stores the result. fn returns
// the event payload.
func (e *Editor) edit(ctx context.Context, caller, token, market common.Address, eventType string, fn func(now time.Time, m *Market) (any, error)) error {
	if err := e.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	return kv.Update(ctx, e.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		now := e.cfg.Clock.Now()
		m, err := getMarket(tx, token, market)
		if err != nil {
			return err
		}
		payload, err := fn(now, &m)
		if err != nil {
			return err
		}
		if err := putMarket(tx, token, market, m); err != nil {
			return err
		}
		events.Emit(ctx, tx, e.log, e.cfg.Events, core.NewEvent(now, eventType, token, market, common.Address{}, payload))
		return nil
	})
}

func checkIndex(m *Market, index int) error {
	if index < 0 || index >= len(m.KPIs) {
		return fmt.Errorf("%w: index %d out of range [0, %d)", core.ErrInvalidKPI, index, len(m.KPIs))
	}
	return nil
}
