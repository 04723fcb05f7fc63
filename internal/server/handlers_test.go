package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditmeter/internal/credit"
	"creditmeter/internal/pricing"
	"creditmeter/internal/report"
	"creditmeter/internal/storage"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := credit.NewSQLiteStore(st.SQLiteDB(), credit.DefaultConfig())
	require.NoError(t, err)

	rules := pricing.DefaultRules()
	rules.BaseRates["openai/gpt-4o"] = decimalFromString(t, "0.01")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := credit.NewService(store, rules, logger)

	reader, err := report.NewReader(st)
	require.NoError(t, err)

	return New(NewHandler(service, reader, st.Type()), cfg)
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sqlite", body["storage"])
}

func TestOrganizationDeductionFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool/topup",
		`{"amount": "1000", "source": "stripe:inv_123"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/allocations",
		`{"user_id": "alice", "amount": "200"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"org_id": "org-1", "user_id": "alice", "provider": "openai", "model": "gpt-4o",
		  "units": 1000, "service_name": "llm_inference", "request_id": "api-req-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	deduction := body["deduction"].(map[string]any)
	// 0.01 × 1000 × 1.0 × 1.10 = 11 deducted from 200.
	assert.Equal(t, "189", deduction["remaining"])
	assert.Equal(t, false, deduction["replayed"])

	// Same request_id replays without a second deduction.
	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"org_id": "org-1", "user_id": "alice", "provider": "openai", "model": "gpt-4o",
		  "units": 1000, "service_name": "llm_inference", "request_id": "api-req-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	deduction = decodeBody(t, rec)["deduction"].(map[string]any)
	assert.Equal(t, true, deduction["replayed"])
	assert.Equal(t, "189", deduction["remaining"])
}

func TestDeductInsufficientIs402(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/users/bob/topup", `{"amount": "1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "bob", "provider": "openai", "model": "gpt-4o", "units": 1000,
		  "request_id": "api-broke"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	errBody := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "insufficient_credits", errBody["code"])
}

func TestDeductValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "bob", "provider": "openai", "model": "gpt-4o", "units": 10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing request_id")

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "ghost", "units": 10, "request_id": "api-ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown subject")
}

func TestCheckCredits(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/users/bob/topup", `{"amount": "50"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/check",
		`{"user_id": "bob", "amount": "30"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["sufficient"])
	assert.Equal(t, "50", body["remaining"])

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/check",
		`{"user_id": "bob", "amount": "300"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["sufficient"])
}

func TestRefundEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/v1/users/bob/topup", `{"amount": "100"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "bob", "provider": "openai", "model": "gpt-4o", "units": 1000,
		  "request_id": "api-orig"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/credits/refund",
		`{"user_id": "bob", "amount": "5", "original_request_id": "api-orig"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "94", body["remaining"], "100 - 11 + 5")
}

func TestAllocationErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool", "")
	doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool/topup", `{"amount": "100"}`)

	rec := doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/allocations",
		`{"user_id": "alice", "amount": "500"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "insufficient_pool_credits", errBody["code"])

	rec = doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/allocations",
		`{"amount": "10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing user_id")

	rec = doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/allocations",
		`{"user_id": "alice", "amount": "ten"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed amount")
}

func TestLimitsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPut, "/v1/users/bob/limits",
		`{"tier": "enterprise", "monthly_cap": "500"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "enterprise", body["tier"])
	assert.Equal(t, "500", body["monthly_cap"])
}

func TestBalanceEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool", "")
	doJSON(t, srv, http.MethodPost, "/v1/orgs/org-1/pool/topup", `{"amount": "1000"}`)

	rec := doJSON(t, srv, http.MethodGet, "/v1/balance?org_id=org-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "1000", body["remaining"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/balance?user_id=ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/users/bob/topup", `{"amount": "100"}`)
	doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "bob", "provider": "openai", "model": "gpt-4o", "units": 1000,
		  "service_name": "llm_inference", "request_id": "api-u1"}`)

	rec := doJSON(t, srv, http.MethodGet, "/v1/usage?user_id=bob&group_by=model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "11", body["net"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/usage?user_id=bob&group_by=color", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/usage?user_id=bob&from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyLedgerEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	doJSON(t, srv, http.MethodPost, "/v1/users/bob/topup", `{"amount": "100"}`)
	doJSON(t, srv, http.MethodPost, "/v1/credits/deduct",
		`{"user_id": "bob", "provider": "openai", "model": "gpt-4o", "units": 1000,
		  "request_id": "api-v1"}`)

	rec := doJSON(t, srv, http.MethodGet, "/v1/ledger/verify?user_id=bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["match"])
}
