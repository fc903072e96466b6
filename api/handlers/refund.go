package handlers

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/refund"
)

type ForfeitureResponse struct {
	Total           Amount         `json:"total"`
	WithMultiplier  Amount         `json:"with_multiplier"`
	ReturnedClaimed Amount         `json:"returned_claimed"`
	ByKPI           map[int]Amount `json:"by_kpi"`
	FullForfeited   bool           `json:"full_forfeited"`
}

type RefundResponse struct {
	BPPrecision         uint64             `json:"bp_precision"`
	ProjectFundsHolder  common.Address     `json:"project_funds_holder"`
	KPIs                []core.KPI         `json:"kpis"`
	TotalForfeitedByKPI map[int]Amount     `json:"total_forfeited_by_kpi"`
	Entry               ForfeitureResponse `json:"entry"`
}

type RefundRequest struct {
	KPIIndex int    `json:"kpi_index"`
	Returned string `json:"returned"`
	// ExtraData is 0x-prefixed hex handed to the whitelist verifier.
	ExtraData string `json:"extra_data,omitempty"`
}

type RefundRequestResponse struct {
	KPIIndex  int    `json:"kpi_index"`
	Forfeited Amount `json:"forfeited"`
	Returned  Amount `json:"returned"`
	Received  Amount `json:"received"`
	Burned    Amount `json:"burned"`
}

type InitializeRefundRequest struct {
	BPPrecision        uint64         `json:"bp_precision"`
	ProjectFundsHolder common.Address `json:"project_funds_holder"`
	KPIs               []core.KPI     `json:"kpis"`
}

type KPIFlagRequest struct {
	Enabled bool `json:"enabled"`
}

type FundsHolderRequest struct {
	Holder common.Address `json:"holder"`
}

// GetRefund handles GET /v1/refund/{token}/{market}/{account}.
func (h *Handlers) GetRefund(w http.ResponseWriter, r *http.Request) {
	token, market, err := urlPair(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	account, err := urlAddress(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	info, err := h.l.Refund.InfoOf(r.Context(), token, market, account)
	if err != nil {
		h.writeError(w, r, "refund info", err)
		return
	}
	writeJSON(w, http.StatusOK, RefundResponse{
		BPPrecision:         info.BPPrecision,
		ProjectFundsHolder:  info.ProjectFundsHolder,
		KPIs:                info.KPIs,
		TotalForfeitedByKPI: h.amountsByKPI(token, info.TotalForfeitedByKPI),
		Entry: ForfeitureResponse{
			Total:           h.amount(token, info.Entry.Total),
			WithMultiplier:  h.amount(token, info.Entry.WithMultiplier),
			ReturnedClaimed: h.amount(token, info.Entry.ReturnedClaimed),
			ByKPI:           h.amountsByKPI(token, info.Entry.ByKPI),
			FullForfeited:   info.Entry.FullForfeited,
		},
	})
}

// RequestRefund handles POST /v1/refund/{token}/{market}/requests.
func (h *Handlers) RequestRefund(w http.ResponseWriter, r *http.Request) {
	token, market, err := urlPair(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := callerOf(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req RefundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	returned, err := parseAmount(req.Returned)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var extra []byte
	if req.ExtraData != "" {
		extra, err = hexutil.Decode(req.ExtraData)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid extra data: %w", err))
			return
		}
	}

	res, err := h.l.Refund.RequestRefund(r.Context(), caller, token, market, req.KPIIndex, returned, extra)
	if err != nil {
		h.writeError(w, r, "refund request", err)
		return
	}
	writeJSON(w, http.StatusOK, RefundRequestResponse{
		KPIIndex:  res.KPIIndex,
		Forfeited: h.amount(token, res.Forfeited),
		Returned:  h.amount(token, res.Returned),
		Received:  h.amount(token, res.Received),
		Burned:    h.amount(token, res.Burned),
	})
}

// InitializeRefund handles PUT /v1/refund/{token}/{market}.
func (h *Handlers) InitializeRefund(w http.ResponseWriter, r *http.Request) {
	var req InitializeRefundRequest
	h.edit(w, r, "initialize refund", false, &req, func(caller, token, market common.Address, _ int) error {
		return h.l.Refund.Initialize(r.Context(), caller, token, market, refund.MarketConfig{
			BPPrecision:        req.BPPrecision,
			ProjectFundsHolder: req.ProjectFundsHolder,
			KPIs:               req.KPIs,
		})
	})
}

// AppendKPI handles POST /v1/refund/{token}/{market}/kpis.
func (h *Handlers) AppendKPI(w http.ResponseWriter, r *http.Request) {
	var kpi core.KPI
	h.edit(w, r, "append kpi", false, &kpi, func(caller, token, market common.Address, _ int) error {
		return h.l.Refund.AppendKPI(r.Context(), caller, token, market, kpi)
	})
}

// SetKPI handles PUT /v1/refund/{token}/{market}/kpis/{index}.
func (h *Handlers) SetKPI(w http.ResponseWriter, r *http.Request) {
	var kpi core.KPI
	h.edit(w, r, "set kpi", true, &kpi, func(caller, token, market common.Address, index int) error {
		return h.l.Refund.SetKPI(r.Context(), caller, token, market, index, kpi)
	})
}

// SetForfeitable handles PUT /v1/refund/{token}/{market}/kpis/{index}/forfeitable.
func (h *Handlers) SetForfeitable(w http.ResponseWriter, r *http.Request) {
	var req KPIFlagRequest
	h.edit(w, r, "set forfeitable", true, &req, func(caller, token, market common.Address, index int) error {
		return h.l.Refund.SetForfeitable(r.Context(), caller, token, market, index, req.Enabled)
	})
}

// SetPayoutEligible handles PUT /v1/refund/{token}/{market}/kpis/{index}/payout-eligible.
func (h *Handlers) SetPayoutEligible(w http.ResponseWriter, r *http.Request) {
	var req KPIFlagRequest
	h.edit(w, r, "set payout eligible", true, &req, func(caller, token, market common.Address, index int) error {
		return h.l.Refund.SetPayoutEligible(r.Context(), caller, token, market, index, req.Enabled)
	})
}

// SetProjectFundsHolder handles PUT /v1/refund/{token}/{market}/funds-holder.
func (h *Handlers) SetProjectFundsHolder(w http.ResponseWriter, r *http.Request) {
	var req FundsHolderRequest
	h.edit(w, r, "set project funds holder", false, &req, func(caller, token, market common.Address, _ int) error {
		return h.l.Refund.SetProjectFundsHolder(r.Context(), caller, token, market, req.Holder)
	})
}

// edit parses the pair, caller, optional KPI index and body shared by the
// administrative refund routes, then answers 204 on success.
func (h *Handlers) edit(w http.ResponseWriter, r *http.Request, op string, indexed bool, body any, fn func(caller, token, market common.Address, index int) error) {
	token, market, err := urlPair(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var index int
	if indexed {
		if index, err = urlIndex(r); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	caller, err := callerOf(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := decodeBody(w, r, body); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := fn(caller, token, market, index); err != nil {
		h.writeError(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
