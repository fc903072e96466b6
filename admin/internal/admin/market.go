package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
	"github.com/malbeclabs/kpivest/ledger/pkg/refund"
	"github.com/malbeclabs/kpivest/ledger/pkg/vesting"
	"github.com/shopspring/decimal"
)

// MarketFile bootstraps one (token, market) pair: its release curve, refund
// KPIs, sale price and claimer mapping.
type MarketFile struct {
	Token  common.Address `json:"token"`
	Market common.Address `json:"market"`

	Schedule vesting.Schedule `json:"schedule"`
	// RefundEnabled defaults to true.
	RefundEnabled *bool `json:"refund_enabled,omitempty"`

	Refund refund.MarketConfig `json:"refund"`

	Price struct {
		BuyAmount  string `json:"buy_amount"`
		SaleAmount string `json:"sale_amount"`
	} `json:"price"`

	// Claimer is optional; without it no purchase-currency refunds are paid.
	Claimer *struct {
		PurchaseToken common.Address `json:"purchase_token"`
		RequesterID   string         `json:"requester_id,omitempty"`
	} `json:"claimer,omitempty"`
}

func (f MarketFile) Validate() error {
	if core.IsZero(f.Token) || core.IsZero(f.Market) {
		return errors.New("token and market are required")
	}
	if f.Price.BuyAmount == "" || f.Price.SaleAmount == "" {
		return errors.New("price buy_amount and sale_amount are required")
	}
	if f.Claimer != nil && core.IsZero(f.Claimer.PurchaseToken) {
		return errors.New("claimer purchase_token is required")
	}
	return nil
}

func LoadMarketFile(r io.Reader) (MarketFile, error) {
	var f MarketFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return MarketFile{}, fmt.Errorf("failed to parse market file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return MarketFile{}, fmt.Errorf("invalid market file: %w", err)
	}
	return f, nil
}

// InitMarket applies f as caller in a single transaction: either every part
// of the market is configured or none is.
func InitMarket(ctx context.Context, log *slog.Logger, l *ledger.Ledger, caller common.Address, f MarketFile) error {
	if err := f.Validate(); err != nil {
		return err
	}
	buy, err := ParseAmount(f.Price.BuyAmount)
	if err != nil {
		return fmt.Errorf("price buy_amount: %w", err)
	}
	sale, err := ParseAmount(f.Price.SaleAmount)
	if err != nil {
		return fmt.Errorf("price sale_amount: %w", err)
	}

	err = kv.Update(ctx, l.Store(), func(ctx context.Context, _ kv.Tx) error {
		if err := l.Vesting.SetSchedule(ctx, caller, f.Token, f.Market, f.Schedule); err != nil {
			return fmt.Errorf("failed to set schedule: %w", err)
		}
		if f.RefundEnabled != nil && !*f.RefundEnabled {
			if err := l.Vesting.SetRefund(ctx, caller, f.Token, f.Market, false); err != nil {
				return fmt.Errorf("failed to disable refund: %w", err)
			}
		}
		if err := l.Refund.Initialize(ctx, caller, f.Token, f.Market, f.Refund); err != nil {
			return fmt.Errorf("failed to initialize refund: %w", err)
		}
		// The sale registry keeps no roles of its own; the admin check above
		// already ran in this transaction.
		if err := l.Sale.SetPrice(ctx, f.Market, buy, sale); err != nil {
			return fmt.Errorf("failed to set price: %w", err)
		}
		if f.Claimer != nil {
			id := f.Claimer.RequesterID
			if id == "" {
				id = ledger.DefaultRequesterID
			}
			if err := l.Claimer.SetRefundRequester(ctx, caller, f.Claimer.PurchaseToken, f.Market, id, f.Token); err != nil {
				return fmt.Errorf("failed to map claimer: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("market initialized", "token", f.Token.Hex(), "market", f.Market.Hex(), "kpis", len(f.Refund.KPIs), "claimer", f.Claimer != nil)
	return nil
}

// ParseAmount parses a non-negative base-unit integer.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if !d.IsInteger() || d.IsNegative() {
		return nil, fmt.Errorf("amount %q must be a non-negative integer", s)
	}
	return d.BigInt(), nil
}
