package handlers

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/kpivest/ledger/pkg/claimer"
)

type ClaimRequest struct {
	Entries []claimer.Entry `json:"entries"`
}

type ClaimResponse struct {
	PurchaseToken common.Address `json:"purchase_token"`
	Market        common.Address `json:"market"`
	SaleAmount    Amount         `json:"sale_amount"`
	Requested     Amount         `json:"requested"`
	Received      Amount         `json:"received"`
}

type ClaimsResponse struct {
	Claims []ClaimResponse `json:"claims"`
}

// MappingRequest sets the requester and sale token of a pair. An empty
// RequesterID only replaces the sale token of an existing mapping.
type MappingRequest struct {
	RequesterID string         `json:"requester_id,omitempty"`
	SaleToken   common.Address `json:"sale_token"`
}

type ClaimerStateResponse struct {
	Mapping         claimer.Mapping `json:"mapping"`
	ClaimedPurchase Amount          `json:"claimed_purchase"`
	SettledSale     Amount          `json:"settled_sale"`
	SettledByKPI    map[int]Amount  `json:"settled_by_kpi"`
}

// ClaimRefund handles POST /v1/claims.
func (h *Handlers) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	entries, err := decodeEntries(w, r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	claims, err := h.l.Claimer.ClaimRefund(r.Context(), caller, entries)
	if err != nil {
		h.writeError(w, r, "claim", err)
		return
	}
	h.writeClaims(w, r, claims)
}

// ClaimRefundForAccount handles POST /v1/claims/{account}.
func (h *Handlers) ClaimRefundForAccount(w http.ResponseWriter, r *http.Request) {
	account, err := urlAddress(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := callerOf(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	entries, err := decodeEntries(w, r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	claims, err := h.l.Claimer.ClaimRefundForAccount(r.Context(), caller, account, entries)
	if err != nil {
		h.writeError(w, r, "claim for account", err)
		return
	}
	h.writeClaims(w, r, claims)
}

// SetClaimerMapping handles PUT /v1/claimer/{purchaseToken}/{market}.
func (h *Handlers) SetClaimerMapping(w http.ResponseWriter, r *http.Request) {
	purchaseToken, market, err := urlPair(r, "purchaseToken")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := callerOf(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req MappingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if req.RequesterID == "" {
		err = h.l.Claimer.SetSaleToken(r.Context(), caller, purchaseToken, market, req.SaleToken)
	} else {
		err = h.l.Claimer.SetRefundRequester(r.Context(), caller, purchaseToken, market, req.RequesterID, req.SaleToken)
	}
	if err != nil {
		h.writeError(w, r, "set claimer mapping", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetClaimer handles GET /v1/claimer/{purchaseToken}/{market}/{account}.
func (h *Handlers) GetClaimer(w http.ResponseWriter, r *http.Request) {
	purchaseToken, market, err := urlPair(r, "purchaseToken")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	account, err := urlAddress(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	m, err := h.l.Claimer.MappingOf(r.Context(), purchaseToken, market)
	if err != nil {
		h.writeError(w, r, "claimer mapping", err)
		return
	}
	st, err := h.l.Claimer.StateOf(r.Context(), purchaseToken, market, account)
	if err != nil {
		h.writeError(w, r, "claimer state", err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimerStateResponse{
		Mapping:         m,
		ClaimedPurchase: h.amount(purchaseToken, st.ClaimedPurchase),
		SettledSale:     h.amount(m.SaleToken, st.SettledSale),
		SettledByKPI:    h.amountsByKPI(m.SaleToken, st.SettledByKPI),
	})
}

func decodeEntries(w http.ResponseWriter, r *http.Request) ([]claimer.Entry, error) {
	var req ClaimRequest
	if err := decodeBody(w, r, &req); err != nil {
		return nil, err
	}
	if len(req.Entries) == 0 {
		return nil, errors.New("at least one entry is required")
	}
	return req.Entries, nil
}

func (h *Handlers) writeClaims(w http.ResponseWriter, r *http.Request, claims []claimer.Claim) {
	out := ClaimsResponse{Claims: make([]ClaimResponse, 0, len(claims))}
	for _, c := range claims {
		saleToken := c.PurchaseToken
		if m, err := h.l.Claimer.MappingOf(r.Context(), c.PurchaseToken, c.Market); err == nil {
			saleToken = m.SaleToken
		}
		out.Claims = append(out.Claims, ClaimResponse{
			PurchaseToken: c.PurchaseToken,
			Market:        c.Market,
			SaleAmount:    h.amount(saleToken, c.SaleAmount),
			Requested:     h.amount(c.PurchaseToken, c.Requested),
			Received:      h.amount(c.PurchaseToken, c.Received),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
