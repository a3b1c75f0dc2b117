package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"ledger-engine/internal/metrics"
)

// RunState is the lifecycle state of one reconciliation run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
)

// Discrepancy is one account whose stored balance has drifted from the
// balance derived from its entries. Never auto-corrected; reported for
// operator remediation.
type Discrepancy struct {
	AccountID  uuid.UUID `json:"account_id"`
	ExternalID string    `json:"external_account_id"`
	Currency   string    `json:"currency"`
	Expected   int64     `json:"expected_minor"`
	Actual     int64     `json:"actual_minor"`
	Delta      int64     `json:"delta_minor"`
}

// ReconciliationReport is the deterministic output of one run. Two runs over
// the same data produce byte-for-byte identical reports: discrepancies are
// sorted by external account id and the checksum is computed over the RFC
// 8785 canonical form of the report body.
type ReconciliationReport struct {
	AsOf            time.Time     `json:"as_of"`
	AccountsChecked int           `json:"accounts_checked"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
	Checksum        string        `json:"checksum,omitempty"`
}

// ChecksumReport computes the canonical checksum of a report body, ignoring
// any checksum already present.
func ChecksumReport(report *ReconciliationReport) (string, error) {
	body := *report
	body.Checksum = ""
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// ReconciliationRun carries the state machine and timing of one invocation.
// Failed runs are retried as fresh invocations, never resumed.
type ReconciliationRun struct {
	ID         uuid.UUID
	State      RunState
	AsOf       time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Report     *ReconciliationReport
}

// Reconciler re-derives balances from the entry store and flags drift against
// the stored snapshots. Read-only; triggered externally.
type Reconciler struct {
	store Store
	log   *zap.Logger
}

func NewReconciler(store Store, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, log: log}
}

// Reconcile checks every account touched at or after asOf (zero asOf checks
// all accounts) and reports stored-vs-derived mismatches. Idempotent and
// re-runnable over the same data.
func (r *Reconciler) Reconcile(ctx context.Context, asOf time.Time) (*ReconciliationReport, error) {
	accounts, err := r.store.AccountsTouchedSince(ctx, asOf)
	if err != nil {
		return nil, err
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ExternalID < accounts[j].ExternalID
	})

	report := &ReconciliationReport{
		AsOf:            asOf.UTC(),
		AccountsChecked: len(accounts),
		Discrepancies:   []Discrepancy{},
	}

	for _, acc := range accounts {
		derived, current, err := r.checkBalance(ctx, acc.ID)
		if err != nil {
			return nil, err
		}

		if derived != current.Balance {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				AccountID:  acc.ID,
				ExternalID: acc.ExternalID,
				Currency:   acc.Currency,
				Expected:   derived,
				Actual:     current.Balance,
				Delta:      current.Balance - derived,
			})
		}
	}

	checksum, err := ChecksumReport(report)
	if err != nil {
		return nil, err
	}
	report.Checksum = checksum
	return report, nil
}

const balanceCheckAttempts = 3

// checkBalance derives an account's balance fenced by two reads of its row.
// An unchanged version across the derivation proves no commit landed in
// between, so the derived and stored values are comparable; otherwise the
// check is retried with fresh reads. A live account could otherwise look
// drifted when a post commits between the entry scan and the row read.
func (r *Reconciler) checkBalance(ctx context.Context, accountID uuid.UUID) (int64, *Account, error) {
	for attempt := 1; ; attempt++ {
		before, err := r.store.AccountByID(ctx, accountID)
		if err != nil {
			return 0, nil, err
		}
		derived, err := deriveBalance(ctx, r.store, accountID)
		if err != nil {
			return 0, nil, err
		}
		after, err := r.store.AccountByID(ctx, accountID)
		if err != nil {
			return 0, nil, err
		}
		if before.Version == after.Version || attempt == balanceCheckAttempts {
			return derived.Amount, after, nil
		}
	}
}

// Run executes one reconciliation through its state machine and records the
// outcome. Infrastructure errors mark the run FAILED; discrepancies do not.
func (r *Reconciler) Run(ctx context.Context, asOf time.Time) *ReconciliationRun {
	run := &ReconciliationRun{
		ID:    uuid.New(),
		State: RunPending,
		AsOf:  asOf.UTC(),
	}

	run.State = RunRunning
	run.StartedAt = time.Now().UTC()

	report, err := r.Reconcile(ctx, asOf)
	run.FinishedAt = time.Now().UTC()

	if err != nil {
		run.State = RunFailed
		run.Error = err.Error()
		metrics.RecordReconciliation("failed", run.FinishedAt.Sub(run.StartedAt), 0)
		r.log.Error("reconciliation run failed",
			zap.String("run_id", run.ID.String()),
			zap.Time("as_of", run.AsOf),
			zap.Error(err),
		)
		return run
	}

	run.State = RunCompleted
	run.Report = report
	metrics.RecordReconciliation("completed", run.FinishedAt.Sub(run.StartedAt), len(report.Discrepancies))
	r.log.Info("reconciliation run completed",
		zap.String("run_id", run.ID.String()),
		zap.Time("as_of", run.AsOf),
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("discrepancies", len(report.Discrepancies)),
		zap.String("checksum", report.Checksum),
	)
	return run
}
