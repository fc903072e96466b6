package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Allocation is what the sale ledger reports for one account in one market.
type Allocation struct {
	Total           *big.Int       `json:"total"`
	Referrer        common.Address `json:"referrer"`
	DefaultReferrer common.Address `json:"default_referrer"`
}

// KPI is one forfeiture checkpoint of a (token, market) pair.
type KPI struct {
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	CumulativeUnlockBP uint64    `json:"cumulative_unlock_bp"`
	MultiplierBP       uint64    `json:"multiplier_bp"`
	IsFullForfeiture   bool      `json:"is_full_forfeiture"`
	IsForfeitable      bool      `json:"is_forfeitable"`
	IsPayoutEligible   bool      `json:"is_payout_eligible"`
}

// Started reports whether the window has opened at now.
func (k KPI) Started(now time.Time) bool {
	return !now.Before(k.WindowStart)
}

// Ended reports whether the window has fully elapsed at now. The end instant
// itself is still inside the window.
func (k KPI) Ended(now time.Time) bool {
	return now.After(k.WindowEnd)
}

// Forfeiture is the per-account refund ledger entry as seen by other ledgers.
type Forfeiture struct {
	Total           *big.Int         `json:"total"`
	WithMultiplier  *big.Int         `json:"with_multiplier"`
	ReturnedClaimed *big.Int         `json:"returned_claimed"`
	ByKPI           map[int]*big.Int `json:"by_kpi"`
	// FullForfeited is set once a full-forfeiture KPI has been exercised.
	FullForfeited bool `json:"full_forfeited"`
}

// Forfeited reports whether KPI index i was exercised.
func (f Forfeiture) Forfeited(i int) bool {
	_, ok := f.ByKPI[i]
	return ok
}
