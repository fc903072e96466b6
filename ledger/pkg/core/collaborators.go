package core

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transferer moves token balances. The returned amount is what the recipient
// actually received, which may be less than amount for fee-charging tokens.
type Transferer interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// AllocationSource reports sale allocations and referral lineage.
type AllocationSource interface {
	AllocationOf(ctx context.Context, market, account common.Address) (Allocation, error)
}

// PriceSource reports the fixed UQ112 sale price of a market.
type PriceSource interface {
	PriceOf(ctx context.Context, market common.Address) (*big.Int, error)
}

// ShareBurner reduces referral shares, flooring at zero.
type ShareBurner interface {
	BurnShares(ctx context.Context, account common.Address, amount *big.Int) error
}

// Authorizer is the single access capability consulted by every entry point.
type Authorizer interface {
	RequireRole(ctx context.Context, role common.Hash, caller common.Address) error
	RequireSelfOrRole(ctx context.Context, role common.Hash, caller, account common.Address) error
}

// Verifier validates the opaque extra data attached to a refund request.
type Verifier interface {
	Verify(ctx context.Context, token, market, account common.Address, extraData []byte) error
}

// ClaimedReader exposes the release-curve ledger's cumulative claimed amount.
type ClaimedReader interface {
	ClaimedOf(ctx context.Context, token, market, account common.Address) (*big.Int, error)
}

// ForfeitureReader exposes the refund ledger's read surface.
type ForfeitureReader interface {
	ForfeitureOf(ctx context.Context, token, market, account common.Address) (Forfeiture, error)
	KPIsOf(ctx context.Context, token, market common.Address) ([]KPI, error)
}

// EventSink receives ledger events after the state change they describe has
// been committed.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}
