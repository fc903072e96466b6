package refund

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
)

// Market is the stored refund configuration of a (token, market) pair.
type Market struct {
	BPPrecision         uint64           `json:"bp_precision"`
	ProjectFundsHolder  common.Address   `json:"project_funds_holder"`
	KPIs                []core.KPI       `json:"kpis"`
	TotalForfeitedByKPI map[int]*big.Int `json:"total_forfeited_by_kpi"`
}

// Reader is the read-only view of the refund ledger handed to the vesting
// ledger and the claimer.
type Reader struct {
	store kv.Store
}

var _ core.ForfeitureReader = (*Reader)(nil)

func NewReader(store kv.Store) *Reader {
	return &Reader{store: store}
}

func (r *Reader) ForfeitureOf(ctx context.Context, token, market, account common.Address) (core.Forfeiture, error) {
	var f core.Forfeiture
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		f, err = getEntry(tx, token, market, account)
		return err
	})
	return f, err
}

func (r *Reader) KPIsOf(ctx context.Context, token, market common.Address) ([]core.KPI, error) {
	var kpis []core.KPI
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		m, err := getMarket(tx, token, market)
		kpis = m.KPIs
		return err
	})
	return kpis, err
}

// Accounts lists every account with a refund entry under the pair.
func (r *Reader) Accounts(ctx context.Context, token, market common.Address) ([]common.Address, error) {
	var out []common.Address
	err := kv.View(ctx, r.store, func(ctx context.Context, tx kv.Tx) error {
		return tx.Scan(BucketEntries, core.Prefix(token, market), func(key string, _ []byte) error {
			parts, err := core.SplitKey(key)
			if err != nil {
				return err
			}
			if len(parts) != 3 {
				return fmt.Errorf("unexpected entry key %q", key)
			}
			out = append(out, parts[2])
			return nil
		})
	})
	return out, err
}

func getMarket(tx kv.Tx, token, market common.Address) (Market, error) {
	var m Market
	found, err := kv.GetJSON(tx, BucketMarkets, core.PairKey(token, market), &m)
	if err != nil {
		return Market{}, err
	}
	if !found {
		return Market{}, fmt.Errorf("%w: no refund market for %s/%s", core.ErrInvalidPair, token.Hex(), market.Hex())
	}
	if m.TotalForfeitedByKPI == nil {
		m.TotalForfeitedByKPI = make(map[int]*big.Int)
	}
	return m, nil
}

func putMarket(tx kv.Tx, token, market common.Address, m Market) error {
	return kv.PutJSON(tx, BucketMarkets, core.PairKey(token, market), m)
}

func getEntry(tx kv.Tx, token, market, account common.Address) (core.Forfeiture, error) {
	f := core.Forfeiture{}
	if _, err := kv.GetJSON(tx, BucketEntries, core.AccountKey(token, market, account), &f); err != nil {
		return core.Forfeiture{}, err
	}
	if f.Total == nil {
		f.Total = new(big.Int)
	}
	if f.WithMultiplier == nil {
		f.WithMultiplier = new(big.Int)
	}
	if f.ReturnedClaimed == nil {
		f.ReturnedClaimed = new(big.Int)
	}
	if f.ByKPI == nil {
		f.ByKPI = make(map[int]*big.Int)
	}
	return f, nil
}

func putEntry(tx kv.Tx, token, market, account common.Address, f core.Forfeiture) error {
	return kv.PutJSON(tx, BucketEntries, core.AccountKey(token, market, account), f)
}
