package core

import (
	"errors"
)

// Error kinds. Every failing ledger operation wraps exactly one of these, with
// context, so callers can match on the failed precondition via errors.Is.
var (
	ErrForbidden          = errors.New("forbidden")
	ErrZeroAddress        = errors.New("zero address")
	ErrZeroAccount        = errors.New("zero account")
	ErrInvalidSchedule    = errors.New("invalid schedule")
	ErrInvalidKPI         = errors.New("invalid kpi")
	ErrEditWindowClosed   = errors.New("edit window closed")
	ErrWindowClosed       = errors.New("window closed")
	ErrNotStarted         = errors.New("not started")
	ErrAlreadyForfeited   = errors.New("already forfeited")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
	ErrNoAllocation       = errors.New("no allocation")
	ErrInvalidPair        = errors.New("invalid pair")
	ErrInvalidRequester   = errors.New("invalid requester")
	ErrNotForfeitable     = errors.New("not forfeitable")
	ErrNothingToForfeit   = errors.New("nothing to forfeit")
	ErrInvalidReturn      = errors.New("invalid returned amount")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrInsufficientFunds  = errors.New("insufficient funds")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrForbidden, "forbidden"},
	{ErrZeroAddress, "zero_address"},
	{ErrZeroAccount, "zero_account"},
	{ErrInvalidSchedule, "invalid_schedule"},
	{ErrInvalidKPI, "invalid_kpi"},
	{ErrEditWindowClosed, "edit_window_closed"},
	{ErrNotStarted, "not_started"},
	{ErrWindowClosed, "window_closed"},
	{ErrAlreadyForfeited, "already_forfeited"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
	{ErrNoAllocation, "no_allocation"},
	{ErrInvalidPair, "invalid_pair"},
	{ErrInvalidRequester, "invalid_requester"},
	{ErrNotForfeitable, "not_forfeitable"},
	{ErrNothingToForfeit, "nothing_to_forfeit"},
	{ErrInvalidReturn, "invalid_return"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrInsufficientFunds, "insufficient_funds"},
}

// KindOf returns a stable label for err: one of the kinds above, "ok" for nil
// and "internal" for anything else.
func KindOf(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// IsDomain reports whether err carries one of the ledger error kinds.
func IsDomain(err error) bool {
	k := KindOf(err)
	return k != "ok" && k != "internal"
}

// RetryLater reports whether the same call may succeed unchanged at a later
// time. Only a window that has not opened yet qualifies.
func RetryLater(err error) bool {
	return errors.Is(err, ErrNotStarted)
}
