package sale_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/bp"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/referral"
	"github.com/malbeclabs/kpivest/ledger/pkg/sale"
	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var (
	market = kvtesting.Addr(0x3a)
	alice  = kvtesting.Addr(0xa1)
	ref    = kvtesting.Addr(0xee)
	defRef = kvtesting.Addr(0xef)
	nobody = kvtesting.Addr(0x99)
)

func newRegistry(t *testing.T) (*sale.Registry, *referral.Pool) {
	t.Helper()
	store := kv.NewMemoryStore()
	log := kvtesting.NewLogger()
	pool, err := referral.New(referral.Config{Logger: log, Store: store})
	require.NoError(t, err)
	reg, err := sale.New(sale.Config{Logger: log, Store: store, Shares: pool})
	require.NoError(t, err)
	return reg, pool
}

func TestKPIVest_Sale_New(t *testing.T) {
	t.Parallel()

	_, err := sale.New(sale.Config{Logger: kvtesting.NewLogger(), Store: kv.NewMemoryStore()})
	require.ErrorContains(t, err, "share ledger is required")
}

func TestKPIVest_Sale_Allocations(t *testing.T) {
	t.Parallel()

	t.Run("accumulates purchases and credits referrers", func(t *testing.T) {
		t.Parallel()
		reg, pool := newRegistry(t)
		require.NoError(t, reg.AddAccount(t.Context(), market, alice, kvtesting.E18(60), ref, defRef))
		require.NoError(t, reg.AddAccount(t.Context(), market, alice, kvtesting.E18(40), common.Address{}, common.Address{}))

		alloc, err := reg.AllocationOf(t.Context(), market, alice)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(100).String(), alloc.Total.String())
		require.Equal(t, ref, alloc.Referrer)
		require.Equal(t, defRef, alloc.DefaultReferrer)

		shares, err := pool.SharesOf(t.Context(), ref)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(100).String(), shares.String())
		shares, err = pool.SharesOf(t.Context(), defRef)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(100).String(), shares.String())
	})

	t.Run("unknown account has zero allocation", func(t *testing.T) {
		t.Parallel()
		reg, _ := newRegistry(t)
		alloc, err := reg.AllocationOf(t.Context(), market, nobody)
		require.NoError(t, err)
		require.Equal(t, 0, alloc.Total.Sign())
	})

	t.Run("rejects zero identifiers", func(t *testing.T) {
		t.Parallel()
		reg, _ := newRegistry(t)
		err := reg.AddAccount(t.Context(), common.Address{}, alice, big.NewInt(1), ref, defRef)
		require.ErrorIs(t, err, core.ErrZeroAddress)
		err = reg.AddAccount(t.Context(), market, common.Address{}, big.NewInt(1), ref, defRef)
		require.ErrorIs(t, err, core.ErrZeroAccount)
	})
}

func TestKPIVest_Sale_Price(t *testing.T) {
	t.Parallel()

	t.Run("stores a UQ112 price", func(t *testing.T) {
		t.Parallel()
		reg, _ := newRegistry(t)
		require.NoError(t, reg.SetPrice(t.Context(), market, kvtesting.E18(50), kvtesting.E18(100)))

		price, err := reg.PriceOf(t.Context(), market)
		require.NoError(t, err)
		require.Equal(t, kvtesting.E18(5).String(), bp.ApplyUQ112(kvtesting.E18(10), price).String())
	})

	t.Run("unknown market is an invalid pair", func(t *testing.T) {
		t.Parallel()
		reg, _ := newRegistry(t)
		_, err := reg.PriceOf(t.Context(), nobody)
		require.ErrorIs(t, err, core.ErrInvalidPair)
	})

	t.Run("zero sale amount is rejected", func(t *testing.T) {
		t.Parallel()
		reg, _ := newRegistry(t)
		require.Error(t, reg.SetPrice(t.Context(), market, big.NewInt(1), big.NewInt(0)))
	})
}
