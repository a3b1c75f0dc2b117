package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/ledger"
	"ledger-engine/internal/store/memory"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", ledger.ErrValidation, http.StatusBadRequest},
		{"unbalanced", ledger.ErrUnbalanced, http.StatusBadRequest},
		{"notfound", ledger.ErrNotFound, http.StatusNotFound},
		{"currency conflict", ledger.ErrConflict, http.StatusConflict},
		{"idem", ledger.ErrIdempotencyConflict, http.StatusConflict},
		{"retries exhausted", ledger.ErrPostingFailed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := memory.New()
	engine := ledger.NewEngine(st, nil)
	reconciler := ledger.NewReconciler(st, nil)
	srv := httptest.NewServer(Router(NewHandlers(engine, reconciler), nil))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPostJournalEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	req := domain.PostJournalRequest{
		ReferenceID: "ref-1",
		Description: "invoice",
		Entries: []domain.JournalEntryInput{
			{AccountID: "A", AmountMinor: 1000, Currency: "USD"},
			{AccountID: "B", AmountMinor: -1000, Currency: "USD"},
		},
	}

	resp := postJSON(t, srv.URL+"/v1/journals", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[domain.PostJournalResponse](t, resp)
	assert.Equal(t, "POSTED", first.Status)
	assert.Equal(t, "ref-1", first.ReferenceID)

	// Retry with the same reference id returns the same journal.
	resp = postJSON(t, srv.URL+"/v1/journals", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	replay := decodeBody[domain.PostJournalResponse](t, resp)
	assert.Equal(t, first.JournalID, replay.JournalID)

	// Stored balance reflects exactly one application.
	resp, err := http.Get(srv.URL + "/v1/accounts/A/balance")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decodeBody[domain.BalanceResponse](t, resp)
	assert.Equal(t, int64(1000), bal.BalanceMinor)
	assert.False(t, bal.Derived)

	resp, err = http.Get(srv.URL + "/v1/accounts/A/balance/derived")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	derived := decodeBody[domain.BalanceResponse](t, resp)
	assert.Equal(t, int64(1000), derived.BalanceMinor)
	assert.True(t, derived.Derived)
}

func TestPostJournalRejectsUnbalanced(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/journals", domain.PostJournalRequest{
		ReferenceID: "ref-bad",
		Entries: []domain.JournalEntryInput{
			{AccountID: "A", AmountMinor: 300, Currency: "USD"},
			{AccountID: "B", AmountMinor: -299, Currency: "USD"},
		},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostJournalConflictOnReusedReference(t *testing.T) {
	srv := newTestServer(t)

	post := func(amount int64) *http.Response {
		return postJSON(t, srv.URL+"/v1/journals", domain.PostJournalRequest{
			ReferenceID: "ref-1",
			Entries: []domain.JournalEntryInput{
				{AccountID: "A", AmountMinor: amount, Currency: "USD"},
				{AccountID: "B", AmountMinor: -amount, Currency: "USD"},
			},
		})
	}

	resp := post(100)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(200)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateAccountAndUnknownBalance(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/accounts", domain.CreateAccountRequest{
		AccountID: "acct-1",
		Currency:  "EUR",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	acc := decodeBody[domain.CreateAccountResponse](t, resp)
	assert.Equal(t, "acct-1", acc.ExternalAccountID)
	assert.Zero(t, acc.BalanceMinor)

	resp, err := http.Get(srv.URL + "/v1/accounts/ghost/balance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileEndpointReturnsDeterministicReport(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/journals", domain.PostJournalRequest{
		ReferenceID: "ref-1",
		Entries: []domain.JournalEntryInput{
			{AccountID: "A", AmountMinor: 1000, Currency: "USD"},
			{AccountID: "B", AmountMinor: -1000, Currency: "USD"},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	run := func() ledger.ReconciliationReport {
		resp, err := http.Post(srv.URL+"/v1/reconciliations", "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeBody[ledger.ReconciliationReport](t, resp)
	}

	first := run()
	assert.Equal(t, 2, first.AccountsChecked)
	assert.Empty(t, first.Discrepancies)

	second := run()
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first, second)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/journals")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
