package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/kpivest/api/handlers"
	"github.com/malbeclabs/kpivest/ledger/pkg/claimer"
	lt "github.com/malbeclabs/kpivest/ledger/pkg/ledger/ledgertest"
	kvtesting "github.com/malbeclabs/kpivest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var (
	alice = kvtesting.Addr(0xa1)
	bob   = kvtesting.Addr(0xb0)
)

type apiEnv struct {
	*lt.Env
	router http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	env := lt.New(t)
	env.Setup(t)
	env.Buy(t, alice, kvtesting.E18(100))

	h, err := handlers.New(handlers.Config{
		Logger:  kvtesting.NewLogger(),
		Ledger:  env.Ledger,
		Limiter: handlers.NewRateLimiter(rate.Inf, 1),
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Routes(r)
	return &apiEnv{Env: env, router: r}
}

func (e *apiEnv) do(t *testing.T, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != (common.Address{}) {
		req.Header.Set(handlers.CallerHeader, caller.Hex())
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) handlers.ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[handlers.ErrorResponse](t, rec)
	require.Equal(t, kind, resp.Error)
	require.NotEmpty(t, resp.Message)
	return resp
}

func pairPath(prefix string) string {
	return "/v1/" + prefix + "/" + lt.Token.Hex() + "/" + lt.Market.Hex()
}

func TestKPIVest_API_New(t *testing.T) {
	t.Parallel()

	_, err := handlers.New(handlers.Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = handlers.New(handlers.Config{Logger: kvtesting.NewLogger()})
	require.ErrorContains(t, err, "ledger is required")
}

func TestKPIVest_API_Vesting(t *testing.T) {
	t.Parallel()

	t.Run("info renders amounts with decimals", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(lt.Day)

		rec := env.do(t, http.MethodGet, pairPath("vesting")+"/"+alice.Hex(), common.Address{}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.VestingResponse](t, rec)
		require.Equal(t, uint64(2_500), resp.UnlockedBP)
		require.Equal(t, kvtesting.E18(100).String(), resp.Total.Value)
		require.Equal(t, "100", resp.Total.Display)
		require.Equal(t, kvtesting.E18(25).String(), resp.Withdrawable.Value)
		require.Equal(t, "25", resp.Withdrawable.Display)
		require.Equal(t, "0", resp.TotalClaimed.Display)
	})

	t.Run("withdraw pays the caller", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(lt.Day)

		rec := env.do(t, http.MethodPost, pairPath("vesting")+"/withdraw", alice, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.WithdrawResponse](t, rec)
		require.Equal(t, kvtesting.E18(25).String(), resp.Nominal.Value)
		require.Equal(t, kvtesting.E18(25).String(), resp.Received.Value)
		require.Equal(t, kvtesting.E18(25).String(), env.Balance(t, lt.Token, alice))

		rec = env.do(t, http.MethodPost, pairPath("vesting")+"/withdraw", alice, nil)
		requireError(t, rec, http.StatusUnprocessableEntity, "nothing_to_withdraw")
	})

	t.Run("withdraw without caller", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(lt.Day)

		rec := env.do(t, http.MethodPost, pairPath("vesting")+"/withdraw", common.Address{}, nil)
		requireError(t, rec, http.StatusUnprocessableEntity, "zero_account")
	})

	t.Run("schedule and refund flag need admin", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)

		rec := env.do(t, http.MethodPut, pairPath("vesting")+"/schedule", alice, lt.Schedule())
		requireError(t, rec, http.StatusForbidden, "forbidden")

		rec = env.do(t, http.MethodPut, pairPath("vesting")+"/schedule", lt.Admin, lt.Schedule())
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		rec = env.do(t, http.MethodPut, pairPath("vesting")+"/refund", lt.Admin, handlers.RefundFlagRequest{Enabled: false})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		enabled, err := env.Vesting.RefundOf(t.Context(), lt.Token, lt.Market)
		require.NoError(t, err)
		require.False(t, enabled)
	})

	t.Run("malformed input", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)

		rec := env.do(t, http.MethodGet, "/v1/vesting/nope/"+lt.Market.Hex()+"/"+alice.Hex(), common.Address{}, nil)
		requireError(t, rec, http.StatusBadRequest, "bad_request")

		req := httptest.NewRequest(http.MethodPost, pairPath("vesting")+"/withdraw", nil)
		req.Header.Set(handlers.CallerHeader, "0x1234")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		requireError(t, w, http.StatusBadRequest, "bad_request")

		rec = env.do(t, http.MethodPut, pairPath("vesting")+"/refund", lt.Admin, map[string]any{"unknown": true})
		requireError(t, rec, http.StatusBadRequest, "bad_request")
	})
}

func TestKPIVest_API_Refund(t *testing.T) {
	t.Parallel()

	t.Run("full forfeiture then conflict", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(0)

		rec := env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 0, Returned: "0"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.RefundRequestResponse](t, rec)
		require.Equal(t, 0, resp.KPIIndex)
		require.Equal(t, kvtesting.E18(100).String(), resp.Forfeited.Value)
		require.Equal(t, "100", resp.Forfeited.Display)

		rec = env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 0})
		requireError(t, rec, http.StatusConflict, "already_forfeited")

		rec = env.do(t, http.MethodGet, pairPath("refund")+"/"+alice.Hex(), common.Address{}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		info := decode[handlers.RefundResponse](t, rec)
		require.True(t, info.Entry.FullForfeited)
		require.Equal(t, kvtesting.E18(100).String(), info.Entry.Total.Value)
		require.Equal(t, kvtesting.E18(100).String(), info.Entry.ByKPI[0].Value)
		require.Equal(t, kvtesting.E18(100).String(), info.TotalForfeitedByKPI[0].Value)
		require.Len(t, info.KPIs, 4)
		require.Equal(t, lt.FundsHolder, info.ProjectFundsHolder)
	})

	t.Run("window errors", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(0)

		rec := env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1})
		resp := requireError(t, rec, http.StatusTooEarly, "not_started")
		require.True(t, resp.RetryLater)

		env.At(32 * lt.Day)
		rec = env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1})
		resp = requireError(t, rec, http.StatusGone, "window_closed")
		require.False(t, resp.RetryLater)
	})

	t.Run("returned amount validation", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(30 * lt.Day)

		rec := env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1, Returned: "1.5"})
		requireError(t, rec, http.StatusBadRequest, "bad_request")

		rec = env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1, Returned: "-1"})
		requireError(t, rec, http.StatusBadRequest, "bad_request")

		rec = env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1, ExtraData: "zz"})
		requireError(t, rec, http.StatusBadRequest, "bad_request")

		rec = env.do(t, http.MethodPost, pairPath("refund")+"/requests", alice, handlers.RefundRequest{KPIIndex: 1, Returned: "0"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.RefundRequestResponse](t, rec)
		require.Equal(t, kvtesting.E18(25).String(), resp.Forfeited.Value)
	})

	t.Run("no allocation", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(30 * lt.Day)

		rec := env.do(t, http.MethodPost, pairPath("refund")+"/requests", bob, handlers.RefundRequest{KPIIndex: 1})
		requireError(t, rec, http.StatusUnprocessableEntity, "no_allocation")
	})

	t.Run("administration", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)

		initReq := handlers.InitializeRefundRequest{BPPrecision: lt.BPPrecision, ProjectFundsHolder: lt.FundsHolder, KPIs: lt.KPIs()}
		rec := env.do(t, http.MethodPut, pairPath("refund"), lt.Admin, initReq)
		requireError(t, rec, http.StatusConflict, "already_initialized")

		rec = env.do(t, http.MethodPut, pairPath("refund"), alice, initReq)
		requireError(t, rec, http.StatusForbidden, "forbidden")

		other := "/v1/refund/" + lt.Token.Hex() + "/" + kvtesting.Addr(0x99).Hex()
		rec = env.do(t, http.MethodPut, other+"/kpis/1/forfeitable", lt.Admin, handlers.KPIFlagRequest{Enabled: false})
		requireError(t, rec, http.StatusNotFound, "invalid_pair")

		rec = env.do(t, http.MethodPut, pairPath("refund")+"/kpis/1/forfeitable", lt.Admin, handlers.KPIFlagRequest{Enabled: false})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		rec = env.do(t, http.MethodPut, pairPath("refund")+"/kpis/2/payout-eligible", lt.Admin, handlers.KPIFlagRequest{Enabled: false})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		kpis, err := env.Refund.KPIsOf(t.Context(), lt.Token, lt.Market)
		require.NoError(t, err)
		require.False(t, kpis[1].IsForfeitable)
		require.False(t, kpis[2].IsPayoutEligible)

		rec = env.do(t, http.MethodPut, pairPath("refund")+"/kpis/x", lt.Admin, lt.KPIs()[1])
		requireError(t, rec, http.StatusBadRequest, "bad_request")

		holder := kvtesting.Addr(0xf4)
		rec = env.do(t, http.MethodPut, pairPath("refund")+"/funds-holder", lt.Admin, handlers.FundsHolderRequest{Holder: holder})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		rec = env.do(t, http.MethodPut, pairPath("refund")+"/funds-holder", lt.Admin, handlers.FundsHolderRequest{})
		requireError(t, rec, http.StatusUnprocessableEntity, "zero_address")

		// The first window opens at TGE, after which the list is locked.
		env.At(0)
		rec = env.do(t, http.MethodPost, pairPath("refund")+"/kpis", lt.Admin, lt.KPIs()[3])
		requireError(t, rec, http.StatusGone, "edit_window_closed")
	})
}

func TestKPIVest_API_Claimer(t *testing.T) {
	t.Parallel()

	claimBody := handlers.ClaimRequest{Entries: []claimer.Entry{{PurchaseToken: lt.PurchaseToken, Market: lt.Market}}}

	t.Run("claim pays the price image of the forfeiture", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(0)
		_, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 0, nil, nil)
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, "/v1/claims", alice, claimBody)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.ClaimsResponse](t, rec)
		require.Len(t, resp.Claims, 1)
		require.Equal(t, kvtesting.E18(100).String(), resp.Claims[0].SaleAmount.Value)
		require.Equal(t, kvtesting.E18(200).String(), resp.Claims[0].Requested.Value)
		require.Equal(t, "200", resp.Claims[0].Received.Display)
		require.Equal(t, kvtesting.E18(200).String(), env.Balance(t, lt.PurchaseToken, alice))

		rec = env.do(t, http.MethodGet, "/v1/claimer/"+lt.PurchaseToken.Hex()+"/"+lt.Market.Hex()+"/"+alice.Hex(), common.Address{}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		st := decode[handlers.ClaimerStateResponse](t, rec)
		require.Equal(t, lt.Token, st.Mapping.SaleToken)
		require.Equal(t, kvtesting.E18(200).String(), st.ClaimedPurchase.Value)
		require.Equal(t, kvtesting.E18(100).String(), st.SettledSale.Value)
		require.Equal(t, kvtesting.E18(100).String(), st.SettledByKPI[0].Value)
	})

	t.Run("claim for account needs the claimer role", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		env.At(30 * lt.Day)
		_, err := env.Refund.RequestRefund(t.Context(), alice, lt.Token, lt.Market, 1, nil, nil)
		require.NoError(t, err)

		path := "/v1/claims/" + alice.Hex()
		rec := env.do(t, http.MethodPost, path, bob, claimBody)
		requireError(t, rec, http.StatusForbidden, "forbidden")

		rec = env.do(t, http.MethodPost, path, lt.Settler, claimBody)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.ClaimsResponse](t, rec)
		require.Len(t, resp.Claims, 1)
		require.Equal(t, kvtesting.E18(50).String(), resp.Claims[0].Received.Value)
		require.Equal(t, kvtesting.E18(50).String(), env.Balance(t, lt.PurchaseToken, alice))
	})

	t.Run("empty entries", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)

		rec := env.do(t, http.MethodPost, "/v1/claims", alice, handlers.ClaimRequest{})
		requireError(t, rec, http.StatusBadRequest, "bad_request")
	})

	t.Run("mapping", func(t *testing.T) {
		t.Parallel()
		env := newAPIEnv(t)
		purchase2 := kvtesting.Addr(0x73)
		path := "/v1/claimer/" + purchase2.Hex() + "/" + lt.Market.Hex()

		rec := env.do(t, http.MethodPut, path, lt.Admin, handlers.MappingRequest{SaleToken: lt.Token})
		requireError(t, rec, http.StatusNotFound, "invalid_pair")

		rec = env.do(t, http.MethodPut, path, lt.Admin, handlers.MappingRequest{RequesterID: "missing", SaleToken: lt.Token})
		requireError(t, rec, http.StatusUnprocessableEntity, "invalid_requester")

		rec = env.do(t, http.MethodPut, path, alice, handlers.MappingRequest{RequesterID: "default", SaleToken: lt.Token})
		requireError(t, rec, http.StatusForbidden, "forbidden")

		rec = env.do(t, http.MethodPut, path, lt.Admin, handlers.MappingRequest{RequesterID: "default", SaleToken: lt.Token})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		token2 := kvtesting.Addr(0x72)
		rec = env.do(t, http.MethodPut, path, lt.Admin, handlers.MappingRequest{SaleToken: token2})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		m, err := env.Claimer.MappingOf(t.Context(), purchase2, lt.Market)
		require.NoError(t, err)
		require.Equal(t, "default", m.RequesterID)
		require.Equal(t, token2, m.SaleToken)
	})
}
