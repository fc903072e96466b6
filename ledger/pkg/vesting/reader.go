package vesting

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

// ClaimState is the per-account release-curve entry. TotalClaimed counts
// nominal withdrawn amounts and never decreases.
type ClaimState struct {
	TotalClaimed *big.Int `json:"total_claimed"`
}

// ClaimReader reads claimed amounts straight from the store. The refund
// ledger holds one instead of the Ledger itself.
type ClaimReader struct {
	store kv.Store
}

var _ core.ClaimedReader = (*ClaimReader)(nil)

func NewClaimReader(store kv.Store) *ClaimReader {
	return &ClaimReader{store: store}
}

func (r *ClaimReader) ClaimedOf(ctx context.Context, token, market, account common.Address) (*big.Int, error) {
	var state ClaimState
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		state, err = getClaim(tx, token, market, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state.TotalClaimed, nil
}

func getClaim(tx kv.Tx, token, market, account common.Address) (ClaimState, error) {
	state := ClaimState{TotalClaimed: new(big.Int)}
	if _, err := kv.GetJSON(tx, BucketClaims, core.AccountKey(token, market, account), &state); err != nil {
		return ClaimState{}, err
	}
	if state.TotalClaimed == nil {
		state.TotalClaimed = new(big.Int)
	}
	return state, nil
}
