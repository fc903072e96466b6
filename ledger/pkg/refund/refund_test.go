package refund_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	lt "github.com/malbeclabs/kpivest/ledger/pkg/ledger/ledgertest"
	"github.com/malbeclabs/kpivest/ledger/pkg/refund"
	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var (
	alice  = kvtesting.Addr(0xa1)
	bob    = kvtesting.Addr(0xb0)
	ref    = kvtesting.Addr(0xee)
	defRef = kvtesting.Addr(0xef)
)

func newEnv(t *testing.T) *lt.Env {
	t.Helper()
	env := lt.New(t)
	env.Setup(t)
	env.Buy(t, alice, kvtesting.E18(100))
	return env
}

func withdraw(t *testing.T, env *lt.Env, account common.Address) {
	t.Helper()
	_, err := env.Vesting.Withdraw(t.Context(), account, lt.Token, lt.Market)
	require.NoError(t, err)
}

func entryOf(t *testing.T, env *lt.Env, account common.Address) core.Forfeiture {
	t.Helper()
	f, err := env.Refund.ForfeitureOf(t.Context(), lt.Token, lt.Market, account)
	require.NoError(t, err)
	return f
}

func TestKPIVest_Refund_New(t *testing.T) {
	t.Parallel()

	_, err := refund.New(refund.Config{})
	require.ErrorContains(t, err, "logger is required")

	env := lt.New(t)
	_, err = refund.New(refund.Config{
		Logger:      kvtesting.NewLogger(),
		Store:       env.Store,
		Auth:        env.Auth,
		Allocations: env.Sale,
		Transfers:   env.Bank,
	})
	require.ErrorContains(t, err, "claimed reader is required")
}

func TestKPIVest_Refund_FullForfeiture(t *testing.T) {
	t.Parallel()

	t.Run("before any claim forfeits the whole allocation", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		env.At(0)

		req, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 0, big.NewInt(0), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(100).String(), req.Forfeited.String())
		require.Equal(t, "0", req.Received.String())

		f := entryOf(t, env, alice)
		require.True(t, f.FullForfeited)
		require.True(t, f.Forfeited(0))
		require.Equal(t, kvtesting.E18(100).String(), f.Total.String())

		evts := env.Events.OfType(refund.EventRequest)
		require.Len(t, evts, 1)
		require.Equal(t, alice, evts[0].Account)
		payload, ok := evts[0].Payload.(refund.Request)
		require.True(t, ok)
		require.Equal(t, 0, payload.KPIIndex)

		env.At(30 * lt.Day)
		_, err = env.Vesting.Withdraw(t.Context(), alice, lt.Token, lt.Market)
		require.ErrorIs(t, err, core.ErrNothingToWithdraw)
		_, err = env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrAlreadyForfeited)
	})

	t.Run("after a claim keeps the claimed part unless returned", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		env.Buy(t, bob, kvtesting.E18(100))
		env.At(0)
		withdraw(t, env, alice)
		withdraw(t, env, bob)

		req, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 0, nil, nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(75).String(), req.Forfeited.String())
		require.Equal(t, kvtesting.E18(25).String(), env.Balance(t, lt.Token, alice))

		req, err = env.Refund.RequestRefund(t.Context(), bob, lt.Token, lt.Market, 0, kvtesting.E18(25), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(100).String(), req.Forfeited.String())
		require.Equal(t, kvtesting.E18(25).String(), req.Received.String())
		require.Equal(t, "0", env.Balance(t, lt.Token, bob))
		require.Equal(t, kvtesting.E18(25).String(), env.Balance(t, lt.Token, lt.FundsHolder))
		require.Equal(t, kvtesting.E18(25).String(), entryOf(t, env, bob).ReturnedClaimed.String())

		info, err := env.Refund.InfoOf(t.Context(), lt.Token, lt.Market, bob)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(175).String(), info.TotalForfeitedByKPI[0].String())
		require.Equal(t, lt.FundsHolder, info.ProjectFundsHolder)
		require.Len(t, info.KPIs, 4)
	})
}

func TestKPIVest_Refund_PartialForfeiture(t *testing.T) {
	t.Parallel()

	t.Run("unpaid slice needs no return", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		env.At(0)
		withdraw(t, env, alice)
		env.At(30 * lt.Day)

		req, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(25).String(), req.Forfeited.String())
		require.Equal(t, "0", env.Withdrawable(t, alice))

		env.At(60 * lt.Day)
		require.Equal(t, kvtesting.E18(25).String(), env.Withdrawable(t, alice))
	})

	t.Run("paid slice has to come back", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		env.At(30 * lt.Day)
		withdraw(t, env, alice)
		ctx := t.Context()

		_, err := env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrInvalidReturn)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, kvtesting.E18(10), nil)
		require.ErrorIs(t, err, core.ErrInvalidReturn)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, kvtesting.E18(26), nil)
		require.ErrorIs(t, err, core.ErrInvalidReturn)
		require.False(t, entryOf(t, env, alice).Forfeited(1))

		req, err := env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, kvtesting.E18(25), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(25).String(), req.Forfeited.String())
		require.Equal(t, kvtesting.E18(25).String(), env.Balance(t, lt.Token, alice))
		require.Equal(t, "0", env.Withdrawable(t, alice))

		env.At(60 * lt.Day)
		withdraw(t, env, alice)
		req, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 2, kvtesting.E18(25), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(25).String(), req.Forfeited.String())
		require.Equal(t, "0", env.Withdrawable(t, alice))

		env.At(90 * lt.Day)
		require.Equal(t, kvtesting.E18(25).String(), env.Withdrawable(t, alice))
		withdraw(t, env, alice)

		f := entryOf(t, env, alice)
		require.Equal(t, kvtesting.E18(50).String(), f.Total.String())
		require.Equal(t, kvtesting.E18(50).String(), f.ReturnedClaimed.String())
		require.Equal(t, kvtesting.E18(50).String(), env.Balance(t, lt.Token, alice))
		require.Equal(t, kvtesting.E18(50).String(), env.Balance(t, lt.Token, lt.FundsHolder))
	})

	t.Run("fee-charging token credits only what arrived", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		require.NoError(t, env.Bank.SetFee(t.Context(), lt.Token, 500))
		env.At(30 * lt.Day)
		withdraw(t, env, alice)
		require.Equal(t, "47500000000000000000", env.Balance(t, lt.Token, alice))

		req, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, kvtesting.E18(25), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(25).String(), req.Returned.String())
		require.Equal(t, "23750000000000000000", req.Received.String())
		require.Equal(t, "23750000000000000000", entryOf(t, env, alice).ReturnedClaimed.String())
		require.Equal(t, "22500000000000000000", env.Balance(t, lt.Token, alice))
		require.Equal(t, "0", env.Withdrawable(t, alice))
	})

	t.Run("burns referral shares by multiplier", func(t *testing.T) {
		t.Parallel()
		env := lt.New(t)
		env.Setup(t)
		require.NoError(t, env.Sale.AddAccount(t.Context(), lt.Market, alice, kvtesting.E18(100), ref, defRef))
		env.At(30 * lt.Day)

		req, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, nil)
		require.NoError(t, err)
		require.Equal(t, "12500000000000000000", req.Burned.String())
		require.Equal(t, "12500000000000000000", entryOf(t, env, alice).WithMultiplier.String())

		for _, r := range []common.Address{ref, defRef} {
			shares, err := env.Shares.SharesOf(t.Context(), r)
			require.NoError(t, err)
			require.Equal(t, "87500000000000000000", shares.String())
		}
	})

	t.Run("failed return transfer rolls back the forfeiture", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		env.At(30 * lt.Day)
		withdraw(t, env, alice)
		boom := errors.New("holder rejected")
		env.Bank.OnReceive(func(_ context.Context, _, _, to common.Address, _ *big.Int) error {
			if to == lt.FundsHolder {
				return boom
			}
			return nil
		})

		_, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, kvtesting.E18(25), nil)
		require.ErrorIs(t, err, boom)
		f := entryOf(t, env, alice)
		require.False(t, f.Forfeited(1))
		require.Equal(t, "0", f.Total.String())
		require.Equal(t, kvtesting.E18(50).String(), env.Balance(t, lt.Token, alice))
		require.Empty(t, env.Events.OfType(refund.EventRequest))

		env.Bank.OnReceive(nil)
		_, err = env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, kvtesting.E18(25), nil)
		require.NoError(t, err)
	})
}

func TestKPIVest_Refund_RequestErrors(t *testing.T) {
	t.Parallel()

	t.Run("window bounds", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()

		env.At(0)
		_, err := env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrNotStarted)
		require.ErrorIs(t, err, core.ErrWindowClosed)
		require.True(t, core.RetryLater(err))
		require.Equal(t, "not_started", core.KindOf(err))

		env.At(31*lt.Day + time.Second)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrWindowClosed)
		require.False(t, core.RetryLater(err))

		// The end instant is still inside the window.
		env.At(91 * lt.Day)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 3, nil, nil)
		require.NoError(t, err)
	})

	t.Run("preconditions", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()
		env.At(30 * lt.Day)

		_, err := env.Refund.RequestRefund(ctx, common.Address{}, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrZeroAccount)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.PurchaseToken, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrInvalidPair)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 4, nil, nil)
		require.ErrorIs(t, err, core.ErrInvalidKPI)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, -1, nil, nil)
		require.ErrorIs(t, err, core.ErrInvalidKPI)
		_, err = env.Refund.RequestRefund(ctx, bob, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrNoAllocation)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, big.NewInt(-1), nil)
		require.ErrorIs(t, err, core.ErrInvalidReturn)

		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, nil, nil)
		require.NoError(t, err)
		_, err = env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrAlreadyForfeited)
	})

	t.Run("not forfeitable", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		require.NoError(t, env.Refund.SetForfeitable(t.Context(), lt.Admin, lt.Token, lt.Market, 1, false))
		env.At(30 * lt.Day)
		_, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, nil)
		require.ErrorIs(t, err, core.ErrNotForfeitable)
	})

	t.Run("extra data verifier", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		l, err := refund.New(refund.Config{
			Logger:      kvtesting.NewLogger(),
			Clock:       env.Clock,
			Store:       env.Store,
			Auth:        env.Auth,
			Allocations: env.Sale,
			Claims:      env.Claims,
			Transfers:   env.Bank,
			Verifier:    verifierFunc(func(extra []byte) bool { return string(extra) == "ok" }),
		})
		require.NoError(t, err)
		env.At(30 * lt.Day)

		_, err = l.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, []byte("nope"))
		require.ErrorIs(t, err, core.ErrForbidden)
		_, err = l.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, []byte("ok"))
		require.NoError(t, err)
	})
}

type verifierFunc func(extra []byte) bool

func (f verifierFunc) Verify(_ context.Context, _, _, _ common.Address, extra []byte) error {
	if !f(extra) {
		return errors.New("not whitelisted")
	}
	return nil
}

func TestKPIVest_Refund_Editor(t *testing.T) {
	t.Parallel()

	t.Run("initialize", func(t *testing.T) {
		t.Parallel()
		env := lt.New(t)
		ctx := t.Context()
		mc := refund.MarketConfig{BPPrecision: lt.BPPrecision, ProjectFundsHolder: lt.FundsHolder, KPIs: lt.KPIs()}

		require.ErrorIs(t, env.Refund.Initialize(ctx, alice, lt.Token, lt.Market, mc), core.ErrForbidden)
		require.ErrorIs(t, env.Refund.Initialize(ctx, lt.Admin, common.Address{}, lt.Market, mc), core.ErrZeroAddress)

		noHolder := mc
		noHolder.ProjectFundsHolder = common.Address{}
		require.ErrorIs(t, env.Refund.Initialize(ctx, lt.Admin, lt.Token, lt.Market, noHolder), core.ErrZeroAddress)

		noKPIs := mc
		noKPIs.KPIs = nil
		require.ErrorIs(t, env.Refund.Initialize(ctx, lt.Admin, lt.Token, lt.Market, noKPIs), core.ErrInvalidKPI)

		require.NoError(t, env.Refund.Initialize(ctx, lt.Admin, lt.Token, lt.Market, mc))
		require.ErrorIs(t, env.Refund.Initialize(ctx, lt.Admin, lt.Token, lt.Market, mc), core.ErrAlreadyInitialized)
		require.Len(t, env.Events.OfType(refund.EventInitialize), 1)

		kpis, err := env.Refund.KPIsOf(ctx, lt.Token, lt.Market)
		require.NoError(t, err)
		require.Len(t, kpis, 4)
		_, err = env.Refund.KPIsOf(ctx, lt.PurchaseToken, lt.Market)
		require.ErrorIs(t, err, core.ErrInvalidPair)
	})

	t.Run("set kpi", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()
		kpi := lt.KPIs()[1]

		require.ErrorIs(t, env.Refund.SetKPI(ctx, alice, lt.Token, lt.Market, 1, kpi), core.ErrForbidden)

		lower := kpi
		lower.CumulativeUnlockBP = 2_000
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, lower), core.ErrInvalidKPI)

		early := kpi
		early.WindowStart = lt.TGE.Add(lt.Day / 2)
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, early), core.ErrInvalidKPI)

		// A window that has already opened cannot be written in.
		env.At(10 * lt.Day)
		opened := kpi
		opened.WindowStart = lt.TGE.Add(5 * lt.Day)
		opened.WindowEnd = lt.TGE.Add(5 * lt.Day)
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, opened), core.ErrInvalidKPI)
		opened.WindowStart = lt.TGE.Add(10 * lt.Day)
		opened.WindowEnd = lt.TGE.Add(11 * lt.Day)
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, opened), core.ErrInvalidKPI)

		last := lt.KPIs()[3]
		last.CumulativeUnlockBP = 9_900
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 3, last), core.ErrInvalidKPI)

		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 7, kpi), core.ErrInvalidKPI)

		higher := kpi
		higher.CumulativeUnlockBP = 6_000
		require.NoError(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, higher))
		kpis, err := env.Refund.KPIsOf(ctx, lt.Token, lt.Market)
		require.NoError(t, err)
		require.Equal(t, uint64(6_000), kpis[1].CumulativeUnlockBP)
		require.Len(t, env.Events.OfType(refund.EventSetKPI), 1)

		env.At(30 * lt.Day)
		require.ErrorIs(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 1, kpi), core.ErrEditWindowClosed)
		require.NoError(t, env.Refund.SetKPI(ctx, lt.Admin, lt.Token, lt.Market, 2, lt.KPIs()[2]))
	})

	t.Run("append kpi", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()
		next := lt.KPIs()[3]
		next.WindowStart = lt.TGE.Add(120 * lt.Day)
		next.WindowEnd = next.WindowStart.Add(lt.Day)

		short := next
		short.CumulativeUnlockBP = 5_000
		require.ErrorIs(t, env.Refund.AppendKPI(ctx, lt.Admin, lt.Token, lt.Market, short), core.ErrInvalidKPI)

		require.NoError(t, env.Refund.AppendKPI(ctx, lt.Admin, lt.Token, lt.Market, next))
		kpis, err := env.Refund.KPIsOf(ctx, lt.Token, lt.Market)
		require.NoError(t, err)
		require.Len(t, kpis, 5)

		env.At(0)
		next.WindowStart = lt.TGE.Add(150 * lt.Day)
		next.WindowEnd = next.WindowStart.Add(lt.Day)
		require.ErrorIs(t, env.Refund.AppendKPI(ctx, lt.Admin, lt.Token, lt.Market, next), core.ErrEditWindowClosed)
	})

	t.Run("toggles", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()

		env.At(30 * lt.Day)
		require.NoError(t, env.Refund.SetForfeitable(ctx, lt.Admin, lt.Token, lt.Market, 1, false))
		env.At(31*lt.Day + time.Second)
		require.ErrorIs(t, env.Refund.SetForfeitable(ctx, lt.Admin, lt.Token, lt.Market, 1, true), core.ErrEditWindowClosed)

		require.NoError(t, env.Refund.SetPayoutEligible(ctx, lt.Admin, lt.Token, lt.Market, 0, false))
		require.ErrorIs(t, env.Refund.SetPayoutEligible(ctx, alice, lt.Token, lt.Market, 0, true), core.ErrForbidden)
		kpis, err := env.Refund.KPIsOf(ctx, lt.Token, lt.Market)
		require.NoError(t, err)
		require.False(t, kpis[0].IsPayoutEligible)
		require.False(t, kpis[1].IsForfeitable)
	})

	t.Run("project funds holder", func(t *testing.T) {
		t.Parallel()
		env := newEnv(t)
		ctx := t.Context()
		holder := kvtesting.Addr(0xf9)

		require.ErrorIs(t, env.Refund.SetProjectFundsHolder(ctx, lt.Admin, lt.Token, lt.Market, common.Address{}), core.ErrZeroAddress)
		require.NoError(t, env.Refund.SetProjectFundsHolder(ctx, lt.Admin, lt.Token, lt.Market, holder))

		env.At(0)
		withdraw(t, env, alice)
		_, err := env.Refund.RequestRefund(ctx, alice, lt.Token, lt.Market, 0, kvtesting.E18(25), nil)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(25).String(), env.Balance(t, lt.Token, holder))
		require.Equal(t, "0", env.Balance(t, lt.Token, lt.FundsHolder))
	})
}

func TestKPIVest_Refund_Reader(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.Buy(t, bob, kvtesting.E18(10))
	env.At(0)
	_, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 0, nil, nil)
	require.NoError(t, err)
	_, err = env.Refund.RequestRefund(t.Context(), bob, lt.Token, lt.Market, 0, nil, nil)
	require.NoError(t, err)

	accounts, err := env.Refunds.Accounts(t.Context(), lt.Token, lt.Market)
	require.NoError(t, err)
	require.ElementsMatch(t, []common.Address{alice, bob}, accounts)

	unknown, err := env.Refunds.ForfeitureOf(t.Context(), lt.Token, lt.Market, kvtesting.Addr(0x77))
	require.NoError(t, err)
	require.Equal(t, "0", unknown.Total.String())
	require.False(t, unknown.FullForfeited)
}
