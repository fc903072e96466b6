package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/kpivest/api/metrics"
	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/malbeclabs/kpivest/ledger/pkg/ledger"
	"github.com/malbeclabs/kpivest/utils/pkg/dberror"
	"github.com/shopspring/decimal"
)

// CallerHeader carries the address of the authenticated caller. An upstream
// gateway is responsible for setting it.
const CallerHeader = "X-Caller-Address"

const (
	DefaultDecimals = 18
	maxBodyBytes    = 1 << 20
)

type Config struct {
	Logger *slog.Logger
	Ledger *ledger.Ledger

	// DefaultDecimals renders amounts of tokens absent from TokenDecimals.
	DefaultDecimals int32
	TokenDecimals   map[common.Address]int32

	// Limiter guards mutating routes. Defaults to MutationRateLimiter.
	Limiter *RateLimiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.DefaultDecimals < 0 {
		return errors.New("default decimals must not be negative")
	}
	if cfg.DefaultDecimals == 0 {
		cfg.DefaultDecimals = DefaultDecimals
	}
	if cfg.Limiter == nil {
		cfg.Limiter = MutationRateLimiter
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
	l   *ledger.Ledger
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg, l: cfg.Ledger}, nil
}

// Routes mounts the /v1 API on r.
func (h *Handlers) Routes(r chi.Router) {
	limit := RateLimitMiddleware(h.cfg.Limiter)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/vesting/{token}/{market}", func(r chi.Router) {
			r.Get("/{account}", h.GetVesting)
			r.Group(func(r chi.Router) {
				r.Use(limit)
				r.Post("/withdraw", h.Withdraw)
				r.Put("/schedule", h.SetSchedule)
				r.Put("/refund", h.SetRefund)
			})
		})

		r.Route("/refund/{token}/{market}", func(r chi.Router) {
			r.Get("/{account}", h.GetRefund)
			r.Group(func(r chi.Router) {
				r.Use(limit)
				r.Put("/", h.InitializeRefund)
				r.Post("/requests", h.RequestRefund)
				r.Post("/kpis", h.AppendKPI)
				r.Put("/kpis/{index}", h.SetKPI)
				r.Put("/kpis/{index}/forfeitable", h.SetForfeitable)
				r.Put("/kpis/{index}/payout-eligible", h.SetPayoutEligible)
				r.Put("/funds-holder", h.SetProjectFundsHolder)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/claims", h.ClaimRefund)
			r.Post("/claims/{account}", h.ClaimRefundForAccount)
			r.Put("/claimer/{purchaseToken}/{market}", h.SetClaimerMapping)
		})
		r.Get("/claimer/{purchaseToken}/{market}/{account}", h.GetClaimer)
	})
}

// Amount is a base-unit integer plus its rendering in whole tokens.
type Amount struct {
	Value   string `json:"value"`
	Display string `json:"display"`
}

func (h *Handlers) decimals(token common.Address) int32 {
	if d, ok := h.cfg.TokenDecimals[token]; ok {
		return d
	}
	return h.cfg.DefaultDecimals
}

func (h *Handlers) amount(token common.Address, v *big.Int) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{
		Value:   v.String(),
		Display: decimal.NewFromBigInt(v, -h.decimals(token)).String(),
	}
}

func (h *Handlers) amountsByKPI(token common.Address, m map[int]*big.Int) map[int]Amount {
	out := make(map[int]Amount, len(m))
	for i, v := range m {
		out[i] = h.amount(token, v)
	}
	return out
}

// parseAmount accepts a non-negative integer in base units. Exponent notation
// is allowed as long as the value stays integral.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("amount %q must be an integer in base units", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", s)
	}
	return d.BigInt(), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func urlAddress(r *http.Request, name string) (common.Address, error) {
	a, err := parseAddress(chi.URLParam(r, name))
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return a, nil
}

func urlPair(r *http.Request, first string) (common.Address, common.Address, error) {
	a, err := urlAddress(r, first)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	market, err := urlAddress(r, "market")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return a, market, nil
}

func urlIndex(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || i < 0 {
		return 0, fmt.Errorf("invalid kpi index %q", chi.URLParam(r, "index"))
	}
	return i, nil
}

// callerOf reads CallerHeader. A missing header yields the zero address,
// which the ledgers reject with their own error kinds.
func callerOf(r *http.Request) (common.Address, error) {
	v := strings.TrimSpace(r.Header.Get(CallerHeader))
	if v == "" {
		return common.Address{}, nil
	}
	a, err := parseAddress(v)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", CallerHeader, err)
	}
	return a, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// GetIPFromRequest returns the client IP, preferring proxy headers.
func GetIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryLater bool   `json:"retry_later"`
}

// StatusOf maps an error to its HTTP status. ErrNotStarted is checked before
// ErrWindowClosed because a window that has not opened carries both.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrInvalidPair):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyForfeited), errors.Is(err, core.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotStarted):
		return http.StatusTooEarly
	case errors.Is(err, core.ErrWindowClosed), errors.Is(err, core.ErrEditWindowClosed):
		return http.StatusGone
	case core.IsDomain(err):
		return http.StatusUnprocessableEntity
	case dberror.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	metrics.RecordError("bad_request", http.StatusBadRequest)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
}

// writeError renders a ledger error. Anything that is not a ledger error kind
// is logged and reported to Sentry.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusOf(err)
	kind := core.KindOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("api: request failed", "op", op, "path", r.URL.Path, "error", err)
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(fmt.Errorf("%s: %w", op, err))
		if status == http.StatusServiceUnavailable {
			kind = "unavailable"
			msg = dberror.UserMessage(err)
		} else {
			msg = "internal error"
		}
	} else {
		h.log.Debug("api: request rejected", "op", op, "kind", kind, "error", err)
	}
	metrics.RecordError(kind, status)
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg, RetryLater: core.RetryLater(err)})
}
