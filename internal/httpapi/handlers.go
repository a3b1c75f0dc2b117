package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/ledger"
)

type Handlers struct {
	engine     *ledger.Engine
	reconciler *ledger.Reconciler
}

func NewHandlers(engine *ledger.Engine, reconciler *ledger.Reconciler) *Handlers {
	return &Handlers{engine: engine, reconciler: reconciler}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Engine-level semantic errors
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrPostingFailed):
		return http.StatusServiceUnavailable

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don’t leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	acc, err := h.engine.ResolveOrCreate(ctx, req.AccountID, req.Currency)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	writeJSON(w, http.StatusCreated, domain.CreateAccountResponse{
		AccountID:         acc.ID,
		ExternalAccountID: acc.ExternalID,
		Currency:          acc.Currency,
		BalanceMinor:      acc.Balance,
	})
}

func (h *Handlers) PostJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.PostJournalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	lines := make([]ledger.EntryLine, 0, len(req.Entries))
	for _, in := range req.Entries {
		lines = append(lines, ledger.EntryLine{
			ExternalAccountID: in.AccountID,
			Amount:            in.AmountMinor,
			Currency:          in.Currency,
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	journal, err := h.engine.Post(ctx, req.ReferenceID, req.Description, lines)
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	writeJSON(w, http.StatusCreated, domain.PostJournalResponse{
		JournalID:   journal.ID,
		ReferenceID: journal.ReferenceID,
		Status:      string(journal.Status),
	})
}

// GET /v1/accounts/{externalID}/balance
// GET /v1/accounts/{externalID}/balance/derived
func (h *Handlers) GetBalanceByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(path, "/")

	derived := false
	switch {
	case len(parts) == 2 && parts[1] == "balance":
	case len(parts) == 3 && parts[1] == "balance" && parts[2] == "derived":
		derived = true
	default:
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	acc, err := h.engine.AccountByExternalID(ctx, parts[0])
	if err != nil {
		code := httpStatusForErr(err)
		writeErr(w, code, publicErrMessage(code, err))
		return
	}

	bal := ledger.Balance{
		AccountID:  acc.ID,
		ExternalID: acc.ExternalID,
		Currency:   acc.Currency,
		Amount:     acc.Balance,
	}
	if derived {
		bal, err = h.engine.DeriveBalance(ctx, acc.ID)
		if err != nil {
			code := httpStatusForErr(err)
			writeErr(w, code, publicErrMessage(code, err))
			return
		}
	}

	writeJSON(w, http.StatusOK, domain.BalanceResponse{
		AccountID:    bal.ExternalID,
		Currency:     bal.Currency,
		BalanceMinor: bal.Amount,
		Derived:      derived,
	})
}

// Reconcile runs an on-demand reconciliation and returns the report. The
// periodic trigger lives in cmd/reconciler; this endpoint serves operators.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.ReconcileRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	asOf := time.Time{}
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	run := h.reconciler.Run(ctx, asOf)
	if run.State == ledger.RunFailed {
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, run.Report)
}
