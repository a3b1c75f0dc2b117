package httpapi

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ledger-engine/internal/metrics"
)

func Router(h *Handlers, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Healthz)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/accounts", h.CreateAccount)       // POST
	mux.HandleFunc("/v1/journals", h.PostJournal)         // POST
	mux.HandleFunc("/v1/accounts/", h.GetBalanceByPath)   // GET /v1/accounts/{id}/balance[/derived]
	mux.HandleFunc("/v1/reconciliations", h.Reconcile)    // POST

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when DB is saturated.
	max := mustIntEnv("LEDGER_HTTP_MAX_INFLIGHT", 64)
	return withRequestLog(metrics.InstrumentHandler(withConcurrencyLimit(mux, max)), log)
}

func mustIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
		}
	})
}

func withRequestLog(next http.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}
