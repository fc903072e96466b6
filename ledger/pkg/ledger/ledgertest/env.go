// Package ledgertest builds a fully wired in-memory ledger for tests: one
// market with a quarterly unlock curve, four KPIs and a claimer mapping.
package ledgertest

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
	"github.com/malbeclabs/kpivest/ledger/pkg/refund"
	"github.com/malbeclabs/kpivest/ledger/pkg/vesting"
	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const BPPrecision = 10_000

var (
	Admin         = kvtesting.Addr(0xad)
	Settler       = kvtesting.Addr(0x5e)
	VestingHolder = kvtesting.Addr(0xf1)
	ClaimerHolder = kvtesting.Addr(0xf2)
	FundsHolder   = kvtesting.Addr(0xf3)
	Token         = kvtesting.Addr(0x70)
	PurchaseToken = kvtesting.Addr(0x71)
	Market        = kvtesting.Addr(0x3a)

	// TGE is the initial unlock date of the default schedule.
	TGE = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Day is the unit the default schedule and KPI windows are laid out in.
const Day = 24 * time.Hour

type Env struct {
	*ledger.Ledger

	Clock  *clockwork.FakeClock
	Events *events.Recorder
	Store  kv.Store
}

// New returns a ledger over a fresh memory store. The clock starts one day
// before TGE; no market is configured.
func New(t testing.TB) *Env {
	t.Helper()
	return NewWithStore(t, kv.NewMemoryStore())
}

func NewWithStore(t testing.TB, store kv.Store) *Env {
	t.Helper()

	clock := clockwork.NewFakeClockAt(TGE.Add(-Day))
	rec := events.NewRecorder()
	l, err := ledger.New(ledger.Config{
		Logger:        kvtesting.NewLogger(),
		Clock:         clock,
		Store:         store,
		Events:        rec,
		VestingHolder: VestingHolder,
		ClaimerHolder: ClaimerHolder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx := t.Context()
	require.NoError(t, l.Roles.Grant(ctx, core.RoleAdmin, Admin))
	require.NoError(t, l.Roles.Grant(ctx, core.RoleRefundClaimer, Settler))

	return &Env{Ledger: l, Clock: clock, Events: rec, Store: store}
}

// Schedule unlocks 25% at TGE and 25% at TGE+30, +60 and +90 days.
func Schedule() vesting.Schedule {
	return vesting.Schedule{
		BPPrecision:       BPPrecision,
		InitialUnlockBP:   2_500,
		InitialUnlockDate: TGE,
		PeriodicUnlockBP:  2_500,
		PeriodicUnlockDates: []time.Time{
			TGE.Add(30 * Day),
			TGE.Add(60 * Day),
			TGE.Add(90 * Day),
		},
	}
}

// KPIs opens one window on each unlock date. KPI 0 is a full forfeiture;
// the others forfeit their 25% slice. All are forfeitable and payout
// eligible, with a 50% referral multiplier.
func KPIs() []core.KPI {
	kpi := func(day int, pct uint64, full bool) core.KPI {
		start := TGE.Add(time.Duration(day) * Day)
		return core.KPI{
			WindowStart:        start,
			WindowEnd:          start.Add(Day),
			CumulativeUnlockBP: pct,
			MultiplierBP:       5_000,
			IsFullForfeiture:   full,
			IsForfeitable:      true,
			IsPayoutEligible:   true,
		}
	}
	return []core.KPI{
		kpi(0, 2_500, true),
		kpi(30, 5_000, false),
		kpi(60, 7_500, false),
		kpi(90, 10_000, false),
	}
}

// Setup configures the default market: schedule, refund KPIs, a sale price
// of two purchase units per sale unit, the claimer mapping, and funded
// holders.
func (e *Env) Setup(t testing.TB) {
	t.Helper()
	ctx := t.Context()

	require.NoError(t, e.Vesting.SetSchedule(ctx, Admin, Token, Market, Schedule()))
	require.NoError(t, e.Refund.Initialize(ctx, Admin, Token, Market, refund.MarketConfig{
		BPPrecision:        BPPrecision,
		ProjectFundsHolder: FundsHolder,
		KPIs:               KPIs(),
	}))
	require.NoError(t, e.Sale.SetPrice(ctx, Market, big.NewInt(2), big.NewInt(1)))
	require.NoError(t, e.Claimer.SetRefundRequester(ctx, Admin, PurchaseToken, Market, ledger.DefaultRequesterID, Token))
	require.NoError(t, e.Bank.Mint(ctx, Token, VestingHolder, kvtesting.E18(1_000_000)))
	require.NoError(t, e.Bank.Mint(ctx, PurchaseToken, ClaimerHolder, kvtesting.E18(1_000_000)))
	e.Events.Reset()
}

// Buy records a purchase of amount sale tokens without referrers.
func (e *Env) Buy(t testing.TB, account common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, e.Sale.AddAccount(t.Context(), Market, account, amount, common.Address{}, common.Address{}))
}

// At moves the clock to TGE plus d.
func (e *Env) At(d time.Duration) {
	e.Clock.Advance(TGE.Add(d).Sub(e.Clock.Now()))
}

// Balance returns the token balance of account as a decimal string.
func (e *Env) Balance(t testing.TB, tok, account common.Address) string {
	t.Helper()
	bal, err := e.Bank.BalanceOf(t.Context(), tok, account)
	require.NoError(t, err)
	return bal.String()
}

// Withdrawable returns the withdrawable amount of account as a decimal string.
func (e *Env) Withdrawable(t testing.TB, account common.Address) string {
	t.Helper()
	w, err := e.Vesting.WithdrawableOf(t.Context(), Token, Market, account)
	require.NoError(t, err)
	return w.String()
}
