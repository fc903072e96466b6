package admin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
)

// Allocation is one row of an allocation import:
// market,account,amount,referrer,default_referrer. Referrer columns may be
// empty.
type Allocation struct {
	Market          common.Address
	Account         common.Address
	Amount          *big.Int
	Referrer        common.Address
	DefaultReferrer common.Address
}

type ImportResult struct {
	Rows  int
	Total *big.Int
}

// ReadAllocations parses the CSV. A first row starting with "market" is
// treated as a header.
func ReadAllocations(r io.Reader) ([]Allocation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []Allocation
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "market") {
			continue
		}
		a, err := parseAllocation(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAllocation(rec []string) (Allocation, error) {
	if len(rec) < 3 || len(rec) > 5 {
		return Allocation{}, fmt.Errorf("expected 3 to 5 columns, got %d", len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	address := func(name string, i int, optional bool) (common.Address, error) {
		v := field(i)
		if v == "" && optional {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("invalid %s %q", name, v)
		}
		return common.HexToAddress(v), nil
	}

	var a Allocation
	var err error
	if a.Market, err = address("market", 0, false); err != nil {
		return Allocation{}, err
	}
	if a.Account, err = address("account", 1, false); err != nil {
		return Allocation{}, err
	}
	if a.Amount, err = ParseAmount(field(2)); err != nil {
		return Allocation{}, err
	}
	if a.Amount.Sign() == 0 {
		return Allocation{}, errors.New("amount must be positive")
	}
	if a.Referrer, err = address("referrer", 3, true); err != nil {
		return Allocation{}, err
	}
	if a.DefaultReferrer, err = address("default_referrer", 4, true); err != nil {
		return Allocation{}, err
	}
	return a, nil
}

// ImportAllocations records every row as a purchase in one transaction. With
// dryRun the rows are only parsed and counted.
func ImportAllocations(ctx context.Context, log *slog.Logger, l *ledger.Ledger, r io.Reader, dryRun bool) (ImportResult, error) {
	rows, err := ReadAllocations(r)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Rows: len(rows), Total: new(big.Int)}
	for _, a := range rows {
		res.Total.Add(res.Total, a.Amount)
	}
	if dryRun {
		log.Info("[DRY RUN] would import allocations", "rows", res.Rows, "total", res.Total.String())
		return res, nil
	}

	err = kv.Update(ctx, l.Store(), func(ctx context.Context, _ kv.Tx) error {
		for i, a := range rows {
			if err := l.Sale.AddAccount(ctx, a.Market, a.Account, a.Amount, a.Referrer, a.DefaultReferrer); err != nil {
				return fmt.Errorf("row %d (%s): %w", i+1, a.Account.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to import allocations: %w", err)
	}
	log.Info("allocations imported", "rows", res.Rows, "total", res.Total.String())
	return res, nil
}
