package handlers

import (
	"net/http"

	"github.com/malbeclabs/kpivest/ledger/pkg/vesting"
)

type VestingResponse struct {
	Schedule      vesting.Schedule `json:"schedule"`
	RefundEnabled bool             `json:"refund_enabled"`
	UnlockedBP    uint64           `json:"unlocked_bp"`
	Total         Amount           `json:"total"`
	TotalClaimed  Amount           `json:"total_claimed"`
	Withdrawable  Amount           `json:"withdrawable"`
}

type WithdrawResponse struct {
	Nominal  Amount `json:"nominal"`
	Received Amount `json:"received"`
}

type RefundFlagRequest struct {
	Enabled bool `json:"enabled"`
}

// GetVesting handles GET /v1/vesting/{token}/{market}/{account}.
func (h *Handlers) GetVesting(w http.ResponseWriter, r *http.Request) {
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

	info, err := h.l.Vesting.InfoOf(r.Context(), token, market, account)
	if err != nil {
		h.writeError(w, r, "vesting info", err)
		return
	}
	writeJSON(w, http.StatusOK, VestingResponse{
		Schedule:      info.Schedule,
		RefundEnabled: info.RefundEnabled,
		UnlockedBP:    info.UnlockedBP,
		Total:         h.amount(token, info.Total),
		TotalClaimed:  h.amount(token, info.TotalClaimed),
		Withdrawable:  h.amount(token, info.Withdrawable),
	})
}

// Withdraw handles POST /v1/vesting/{token}/{market}/withdraw.
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
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

	wd, err := h.l.Vesting.Withdraw(r.Context(), caller, token, market)
	if err != nil {
		h.writeError(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		Nominal:  h.amount(token, wd.Nominal),
		Received: h.amount(token, wd.Received),
	})
}

// SetSchedule handles PUT /v1/vesting/{token}/{market}/schedule.
func (h *Handlers) SetSchedule(w http.ResponseWriter, r *http.Request) {
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
	var s vesting.Schedule
	if err := decodeBody(w, r, &s); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := h.l.Vesting.SetSchedule(r.Context(), caller, token, market, s); err != nil {
		h.writeError(w, r, "set schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRefund handles PUT /v1/vesting/{token}/{market}/refund.
func (h *Handlers) SetRefund(w http.ResponseWriter, r *http.Request) {
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
	var req RefundFlagRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := h.l.Vesting.SetRefund(r.Context(), caller, token, market, req.Enabled); err != nil {
		h.writeError(w, r, "set refund", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
