// Package claimer pays out forfeited sale-token amounts in the purchase
// currency, at the fixed sale price, exactly once per forfeited increment.
package claimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/kpivest/ledger/pkg/bp"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/events"
	"github.com/malbeclabs/kpivest/ledger/pkg/kv"
	"github.com/malbeclabs/kpivest/ledger/pkg/metrics"
)

const (
	BucketRequesters = "claimer/requesters"
	BucketClaims     = "claimer/claims"

	EventClaim              = "claimer.claim"
	EventSetRefundRequester = "claimer.set_refund_requester"
	EventSetSaleToken       = "claimer.set_sale_token"

	ledgerName = "claimer"
)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     kv.Store
	Auth      core.Authorizer
	Transfers core.Transferer
	Prices    core.PriceSource
	// Requesters is the directory of refund ledgers a pair may be mapped to.
	// Entries that do not implement core.ForfeitureReader are rejected when
	// mapped.
	Requesters map[string]any
	// Holder is the account purchase currency is paid from.
	Holder common.Address
	Events core.EventSink
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Auth == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Transfers == nil {
		return errors.New("transferer is required")
	}
	if cfg.Prices == nil {
		return errors.New("price source is required")
	}
	if len(cfg.Requesters) == 0 {
		return errors.New("at least one refund requester is required")
	}
	if core.IsZero(cfg.Holder) {
		return errors.New("holder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Mapping binds a (purchase token, market) pair to the refund ledger and sale
// token whose forfeitures it pays out.
type Mapping struct {
	RequesterID string         `json:"requester_id"`
	SaleToken   common.Address `json:"sale_token"`
}

// State is the per-account claim entry of one (purchase token, market) pair
// under one sale token. ClaimedPurchase is always ApplyUQ112(SettledSale,
// price).
type State struct {
	ClaimedPurchase *big.Int         `json:"claimed_purchase"`
	SettledSale     *big.Int         `json:"settled_sale"`
	SettledByKPI    map[int]*big.Int `json:"settled_by_kpi"`
}

// Entry selects one pair to settle. Empty KPIs settles every payout-eligible
// KPI.
type Entry struct {
	PurchaseToken common.Address `json:"purchase_token"`
	Market        common.Address `json:"market"`
	KPIs          []int          `json:"kpis,omitempty"`
}

// Claim reports one paid entry.
type Claim struct {
	PurchaseToken common.Address `json:"purchase_token"`
	Market        common.Address `json:"market"`
	SaleAmount    *big.Int       `json:"sale_amount"`
	Requested     *big.Int       `json:"requested"`
	Received      *big.Int       `json:"received"`
}

type Claimer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Claimer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Claimer{log: cfg.Logger, cfg: cfg}, nil
}

// ClaimRefund settles entries for the caller.
func (c *Claimer) ClaimRefund(ctx context.Context, caller common.Address, entries []Entry) ([]Claim, error) {
	if core.IsZero(caller) {
		return nil, fmt.Errorf("%w: claim", core.ErrZeroAccount)
	}
	return c.claim(ctx, caller, entries)
}

// ClaimRefundForAccount settles entries for account on behalf of a refund
// claimer.
func (c *Claimer) ClaimRefundForAccount(ctx context.Context, caller, account common.Address, entries []Entry) ([]Claim, error) {
	if err := c.cfg.Auth.RequireSelfOrRole(ctx, core.RoleRefundClaimer, caller, account); err != nil {
		return nil, err
	}
	if core.IsZero(account) {
		return nil, fmt.Errorf("%w: claim for account", core.ErrZeroAccount)
	}
	return c.claim(ctx, account, entries)
}

func (c *Claimer) claim(ctx context.Context, account common.Address, entries []Entry) (claims []Claim, err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "claim", start, err) }(time.Now())

	err = kv.Update(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		now := c.cfg.Clock.Now()
		for _, e := range entries {
			claim, ok, err := c.settle(ctx, tx, account, e)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			claims = append(claims, claim)
			c.log.Info("claimer: claim", "purchase_token", e.PurchaseToken.Hex(), "market", e.Market.Hex(), "account", account.Hex(),
				"sale_amount", claim.SaleAmount.String(), "requested", claim.Requested.String(), "received", claim.Received.String())
			events.Emit(ctx, tx, c.log, c.cfg.Events, core.NewEvent(now, EventClaim, e.PurchaseToken, e.Market, account, claim))
			tx.AfterCommit(func() {
				metrics.AddAmount(ledgerName, "paid_requested", claim.Requested)
				metrics.AddAmount(ledgerName, "paid_received", claim.Received)
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// settle pays the unpaid increment of one entry. ok is false when there is
// nothing new to pay.
func (c *Claimer) settle(ctx context.Context, tx kv.Tx, account common.Address, e Entry) (Claim, bool, error) {
	mapping, err := getMapping(tx, e.PurchaseToken, e.Market)
	if err != nil {
		return Claim{}, false, err
	}
	reader, err := c.requester(mapping.RequesterID)
	if err != nil {
		return Claim{}, false, err
	}
	kpis, err := reader.KPIsOf(ctx, mapping.SaleToken, e.Market)
	if err != nil {
		return Claim{}, false, fmt.Errorf("failed to get kpis: %w", err)
	}
	forfeiture, err := reader.ForfeitureOf(ctx, mapping.SaleToken, e.Market, account)
	if err != nil {
		return Claim{}, false, fmt.Errorf("failed to get forfeiture: %w", err)
	}
	state, err := getState(tx, e.PurchaseToken, e.Market, mapping.SaleToken, account)
	if err != nil {
		return Claim{}, false, err
	}

	increment := new(big.Int)
	for i, kpi := range kpis {
		if !kpi.IsPayoutEligible || (len(e.KPIs) > 0 && !slices.Contains(e.KPIs, i)) {
			continue
		}
		delta := bp.SubFloor(forfeiture.ByKPI[i], state.SettledByKPI[i])
		if delta.Sign() == 0 {
			continue
		}
		state.SettledByKPI[i] = bp.Add(state.SettledByKPI[i], delta)
		increment.Add(increment, delta)
	}
	if increment.Sign() == 0 {
		return Claim{}, false, nil
	}

	price, err := c.cfg.Prices.PriceOf(ctx, e.Market)
	if err != nil {
		return Claim{}, false, fmt.Errorf("failed to get price: %w", err)
	}
	state.SettledSale = bp.Add(state.SettledSale, increment)
	payout := bp.SubFloor(bp.ApplyUQ112(state.SettledSale, price), state.ClaimedPurchase)
	state.ClaimedPurchase = bp.Add(state.ClaimedPurchase, payout)
	if err := putState(tx, e.PurchaseToken, e.Market, mapping.SaleToken, account, state); err != nil {
		return Claim{}, false, err
	}

	received := new(big.Int)
	if payout.Sign() > 0 {
		received, err = c.cfg.Transfers.Transfer(ctx, e.PurchaseToken, c.cfg.Holder, account, payout)
		if err != nil {
			return Claim{}, false, fmt.Errorf("failed to pay refund: %w", err)
		}
	}
	return Claim{
		PurchaseToken: e.PurchaseToken,
		Market:        e.Market,
		SaleAmount:    increment,
		Requested:     payout,
		Received:      received,
	}, true, nil
}

func (c *Claimer) requester(id string) (core.ForfeitureReader, error) {
	v, ok := c.cfg.Requesters[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown requester %q", core.ErrInvalidRequester, id)
	}
	r, ok := v.(core.ForfeitureReader)
	if !ok {
		return nil, fmt.Errorf("%w: %q does not expose forfeitures", core.ErrInvalidRequester, id)
	}
	return r, nil
}

// SetRefundRequester maps a pair to a refund ledger and the sale token it
// tracks, creating the mapping if needed.
func (c *Claimer) SetRefundRequester(ctx context.Context, caller, purchaseToken, market common.Address, requesterID string, saleToken common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_refund_requester", start, err) }(time.Now())

	if err := c.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	if core.IsZero(purchaseToken) || core.IsZero(market) || core.IsZero(saleToken) {
		return fmt.Errorf("%w: purchase token, market and sale token are required", core.ErrZeroAddress)
	}
	if _, err := c.requester(requesterID); err != nil {
		return err
	}
	return kv.Update(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		m := Mapping{RequesterID: requesterID, SaleToken: saleToken}
		if err := kv.PutJSON(tx, BucketRequesters, core.PairKey(purchaseToken, market), m); err != nil {
			return err
		}
		c.log.Info("claimer: refund requester set", "purchase_token", purchaseToken.Hex(), "market", market.Hex(), "requester", requesterID, "sale_token", saleToken.Hex())
		events.Emit(ctx, tx, c.log, c.cfg.Events, core.NewEvent(c.cfg.Clock.Now(), EventSetRefundRequester, purchaseToken, market, common.Address{}, m))
		return nil
	})
}

// SetSaleToken changes the sale token of an existing mapping.
func (c *Claimer) SetSaleToken(ctx context.Context, caller, purchaseToken, market, saleToken common.Address) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation(ledgerName, "set_sale_token", start, err) }(time.Now())

	if err := c.cfg.Auth.RequireRole(ctx, core.RoleAdmin, caller); err != nil {
		return err
	}
	if core.IsZero(saleToken) {
		return fmt.Errorf("%w: sale token", core.ErrZeroAddress)
	}
	return kv.Update(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		m, err := getMapping(tx, purchaseToken, market)
		if err != nil {
			return err
		}
		m.SaleToken = saleToken
		if err := kv.PutJSON(tx, BucketRequesters, core.PairKey(purchaseToken, market), m); err != nil {
			return err
		}
		events.Emit(ctx, tx, c.log, c.cfg.Events, core.NewEvent(c.cfg.Clock.Now(), EventSetSaleToken, purchaseToken, market, common.Address{}, m))
		return nil
	})
}

func (c *Claimer) MappingOf(ctx context.Context, purchaseToken, market common.Address) (Mapping, error) {
	var m Mapping
	err := kv.View(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		var err error
		m, err = getMapping(tx, purchaseToken, market)
		return err
	})
	return m, err
}

// StateOf returns the claim entry of account under the pair's current sale
// token; unknown accounts read as zero.
func (c *Claimer) StateOf(ctx context.Context, purchaseToken, market, account common.Address) (State, error) {
	var s State
	err := kv.View(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		m, err := getMapping(tx, purchaseToken, market)
		if err != nil {
			return err
		}
		s, err = getState(tx, purchaseToken, market, m.SaleToken, account)
		return err
	})
	return s, err
}

// Pair is one mapped (purchase token, market) pair.
type Pair struct {
	PurchaseToken common.Address
	Market        common.Address
	Mapping
}

// Pairs lists every mapped pair.
func (c *Claimer) Pairs(ctx context.Context) ([]Pair, error) {
	var out []Pair
	err := kv.View(ctx, c.cfg.Store, func(ctx context.Context, tx kv.Tx) error {
		return kv.ScanJSON(tx, BucketRequesters, "", func(key string, m Mapping) error {
			parts, err := core.SplitKey(key)
			if err != nil {
				return err
			}
			if len(parts) != 2 {
				return fmt.Errorf("unexpected mapping key %q", key)
			}
			out = append(out, Pair{PurchaseToken: parts[0], Market: parts[1], Mapping: m})
			return nil
		})
	})
	return out, err
}

// Requester returns the refund ledger registered under id.
func (c *Claimer) Requester(id string) (core.ForfeitureReader, error) {
	return c.requester(id)
}

func getMapping(tx kv.Tx, purchaseToken, market common.Address) (Mapping, error) {
	var m Mapping
	found, err := kv.GetJSON(tx, BucketRequesters, core.PairKey(purchaseToken, market), &m)
	if err != nil {
		return Mapping{}, err
	}
	if !found {
		return Mapping{}, fmt.Errorf("%w: no refund requester for %s/%s", core.ErrInvalidPair, purchaseToken.Hex(), market.Hex())
	}
	return m, nil
}

// stateKey scopes claim entries by sale token, so remapping a pair never
// offsets a new sale token's forfeitures with amounts settled under the old one.
func stateKey(purchaseToken, market, saleToken, account common.Address) string {
	return core.Key(purchaseToken, market, saleToken, account)
}

func getState(tx kv.Tx, purchaseToken, market, saleToken, account common.Address) (State, error) {
	s := State{}
	if _, err := kv.GetJSON(tx, BucketClaims, stateKey(purchaseToken, market, saleToken, account), &s); err != nil {
		return State{}, err
	}
	if s.ClaimedPurchase == nil {
		s.ClaimedPurchase = new(big.Int)
	}
	if s.SettledSale == nil {
		s.SettledSale = new(big.Int)
	}
	if s.SettledByKPI == nil {
		s.SettledByKPI = make(map[int]*big.Int)
	}
	return s, nil
}

func putState(tx kv.Tx, purchaseToken, market, saleToken, account common.Address, s State) error {
	return kv.PutJSON(tx, BucketClaims, stateKey(purchaseToken, market, saleToken, account), s)
}
