package access_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/access"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestKPIVest_Access_Registry(t *testing.T) {
	t.Parallel()

	admin := kvtesting.Addr(0xad)
	other := kvtesting.Addr(0x0f)

	newRegistry := func(t *testing.T) *access.Registry {
		r, err := access.NewRegistry(access.Config{Logger: kvtesting.NewLogger(), Store: kv.NewMemoryStore()})
		require.NoError(t, err)
		return r
	}

	t.Run("grant and revoke", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		require.NoError(t, r.Grant(t.Context(), core.RoleAdmin, admin))

		ok, err := r.HasRole(t.Context(), core.RoleAdmin, admin)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = r.HasRole(t.Context(), core.RoleRefundClaimer, admin)
		require.NoError(t, err)
		require.False(t, ok)

		members, err := r.Members(t.Context(), core.RoleAdmin)
		require.NoError(t, err)
		require.Equal(t, []common.Address{admin}, members)

		require.NoError(t, r.Revoke(t.Context(), core.RoleAdmin, admin))
		ok, err = r.HasRole(t.Context(), core.RoleAdmin, admin)
		require.NoError(t, err)
		require.False(t, ok)

		members, err = r.Members(t.Context(), core.RoleAdmin)
		require.NoError(t, err)
		require.Empty(t, members)
	})

	t.Run("rejects zero member", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		require.ErrorIs(t, r.Grant(t.Context(), core.RoleAdmin, common.Address{}), core.ErrZeroAddress)
	})

	t.Run("authorizer", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t)
		require.NoError(t, r.Grant(t.Context(), core.RoleRefundClaimer, admin))
		auth := access.NewAuthorizer(r)

		require.NoError(t, auth.RequireRole(t.Context(), core.RoleRefundClaimer, admin))
		require.ErrorIs(t, auth.RequireRole(t.Context(), core.RoleRefundClaimer, other), core.ErrForbidden)
		require.NoError(t, auth.RequireSelfOrRole(t.Context(), core.RoleRefundClaimer, other, other))
		require.NoError(t, auth.RequireSelfOrRole(t.Context(), core.RoleRefundClaimer, admin, other))
		require.ErrorIs(t, auth.RequireSelfOrRole(t.Context(), core.RoleRefundClaimer, other, admin), core.ErrForbidden)
		require.ErrorIs(t, auth.RequireSelfOrRole(t.Context(), core.RoleRefundClaimer, common.Address{}, common.Address{}), core.ErrForbidden)
	})
}
