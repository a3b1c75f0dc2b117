package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"ledger-engine/internal/metrics"
)

const (
	defaultMaxAttempts = 8
	retryBackoffBase   = 2 * time.Millisecond
	retryBackoffMax    = 50 * time.Millisecond
)

// Engine is the posting engine: the sole writer of journals and entries and
// the sole mutator of account balances.
type Engine struct {
	store       Store
	log         *zap.Logger
	maxAttempts int
}

// Option tunes engine construction.
type Option func(*Engine)

// WithMaxAttempts overrides the bounded retry budget for commit conflicts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEngine(store Store, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:       store,
		log:         log,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// postingShape is the canonical, deterministic request shape hashed for
// idempotency. No floats. No maps. Stable field order via struct marshaling.
type postingShape struct {
	ReferenceID string      `json:"reference_id"`
	Description string      `json:"description"`
	Lines       []lineShape `json:"lines"`
}

type lineShape struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount_minor"`
	Currency  string `json:"currency"`
}

func hashPostingShape(shape postingShape) (string, error) {
	raw, err := json.Marshal(shape)
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

func normalizeCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if len(cur) != 3 {
		return "", fmt.Errorf("%w: bad currency %q", ErrValidation, cur)
	}
	return cur, nil
}

// normalizeLines validates the posting request and returns the canonical
// shape used for idempotency hashing. Amounts are signed minor units; the
// balance law requires, for every currency present, an exact zero sum.
func normalizeLines(referenceID, description string, lines []EntryLine) (postingShape, error) {
	if strings.TrimSpace(referenceID) == "" {
		return postingShape{}, fmt.Errorf("%w: empty reference id", ErrValidation)
	}
	if len(lines) < 2 {
		return postingShape{}, fmt.Errorf("%w: journal needs at least two entries", ErrValidation)
	}

	shape := postingShape{
		ReferenceID: strings.TrimSpace(referenceID),
		Description: strings.TrimSpace(description),
		Lines:       make([]lineShape, 0, len(lines)),
	}

	sums := make(map[string]int64, 2)
	for _, ln := range lines {
		ext := strings.TrimSpace(ln.ExternalAccountID)
		if ext == "" {
			return postingShape{}, fmt.Errorf("%w: empty account id", ErrValidation)
		}
		if ln.Amount == 0 {
			return postingShape{}, fmt.Errorf("%w: zero amount entry", ErrValidation)
		}
		cur, err := normalizeCurrency(ln.Currency)
		if err != nil {
			return postingShape{}, err
		}
		sums[cur] += ln.Amount
		shape.Lines = append(shape.Lines, lineShape{AccountID: ext, Amount: ln.Amount, Currency: cur})
	}

	for cur, sum := range sums {
		if sum != 0 {
			return postingShape{}, fmt.Errorf("%w: %s off by %d", ErrUnbalanced, cur, sum)
		}
	}
	return shape, nil
}

// Post validates and commits one journal under referenceID.
//
// Safe to retry with the same reference id: exactly one journal is ever
// created for it, and every retry with the same payload observes the same
// journal. A reused reference id with a different payload fails with
// ErrIdempotencyConflict.
func (e *Engine) Post(ctx context.Context, referenceID, description string, lines []EntryLine) (*Journal, error) {
	start := time.Now()
	journal, err := e.post(ctx, referenceID, description, lines)
	metrics.RecordPosting(postingStatus(err), time.Since(start))
	if err != nil {
		e.log.Warn("posting rejected",
			zap.String("reference_id", referenceID),
			zap.Int("entries", len(lines)),
			zap.Error(err),
		)
		return nil, err
	}
	e.log.Info("journal posted",
		zap.String("reference_id", journal.ReferenceID),
		zap.String("journal_id", journal.ID.String()),
		zap.Int("entries", len(lines)),
		zap.Duration("took", time.Since(start)),
	)
	return journal, nil
}

func postingStatus(err error) string {
	switch {
	case err == nil:
		return "posted"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrPostingFailed):
		return "conflict_exhausted"
	default:
		return "error"
	}
}

func (e *Engine) post(ctx context.Context, referenceID, description string, lines []EntryLine) (*Journal, error) {
	shape, err := normalizeLines(referenceID, description, lines)
	if err != nil {
		return nil, err
	}

	requestHash, err := hashPostingShape(shape)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: an existing journal under this reference id is
	// returned unchanged, provided the payload matches.
	if journal, err := e.replay(ctx, shape.ReferenceID, requestHash); err == nil {
		return journal, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		journal, err := e.commitOnce(ctx, shape, requestHash)
		switch {
		case err == nil:
			return journal, nil
		case errors.Is(err, ErrDuplicateReference):
			// Lost the insert race; the winner's journal is the result.
			return e.replay(ctx, shape.ReferenceID, requestHash)
		case errors.Is(err, ErrConcurrencyConflict):
			lastErr = err
			if backoffErr := sleepBackoff(ctx, attempt); backoffErr != nil {
				return nil, backoffErr
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrPostingFailed, lastErr)
}

// commitOnce resolves the referenced accounts, snapshots their versions, and
// attempts the atomic commit against that snapshot.
func (e *Engine) commitOnce(ctx context.Context, shape postingShape, requestHash string) (*Journal, error) {
	accounts := make(map[string]*Account, len(shape.Lines))
	versions := make(map[uuid.UUID]int64, len(shape.Lines))
	for _, ln := range shape.Lines {
		if acc, ok := accounts[ln.AccountID]; ok {
			if acc.Currency != ln.Currency {
				return nil, ErrConflict
			}
			continue
		}
		acc, err := e.store.ResolveOrCreateAccount(ctx, ln.AccountID, ln.Currency)
		if err != nil {
			return nil, err
		}
		accounts[ln.AccountID] = acc
		versions[acc.ID] = acc.Version
	}

	journal := &Journal{
		ID:          uuid.New(),
		ReferenceID: shape.ReferenceID,
		Description: shape.Description,
		Status:      JournalPosted,
		RequestHash: requestHash,
		CreatedAt:   time.Now().UTC(),
	}

	entries := make([]Entry, 0, len(shape.Lines))
	for _, ln := range shape.Lines {
		entries = append(entries, Entry{
			ID:        uuid.New(),
			JournalID: journal.ID,
			AccountID: accounts[ln.AccountID].ID,
			Amount:    ln.Amount,
			Currency:  ln.Currency,
		})
	}

	if err := e.store.CommitJournal(ctx, journal, entries, versions); err != nil {
		return nil, err
	}
	return journal, nil
}

func (e *Engine) replay(ctx context.Context, referenceID, requestHash string) (*Journal, error) {
	journal, err := e.store.JournalByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if journal.RequestHash != requestHash {
		return nil, ErrIdempotencyConflict
	}
	return journal, nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := retryBackoffBase << uint(attempt)
	if d > retryBackoffMax {
		d = retryBackoffMax
	}
	d += time.Duration(rand.Int63n(int64(retryBackoffBase)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ResolveOrCreate maps an external account id to its internal ledger account,
// creating it with a zero balance on first use.
func (e *Engine) ResolveOrCreate(ctx context.Context, externalAccountID, currency string) (*Account, error) {
	ext := strings.TrimSpace(externalAccountID)
	if ext == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrValidation)
	}
	cur, err := normalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	return e.store.ResolveOrCreateAccount(ctx, ext, cur)
}

// GetBalance returns the stored balance snapshot; it does not recompute from
// entries.
func (e *Engine) GetBalance(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	acc, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:  acc.ID,
		ExternalID: acc.ExternalID,
		Currency:   acc.Currency,
		Amount:     acc.Balance,
	}, nil
}

// AccountByExternalID is the read-path lookup used by the API layer.
func (e *Engine) AccountByExternalID(ctx context.Context, externalID string) (*Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrValidation)
	}
	return e.store.AccountByExternalID(ctx, externalID)
}

// JournalEntries returns the committed entries of one journal.
func (e *Engine) JournalEntries(ctx context.Context, journalID uuid.UUID) ([]Entry, error) {
	return e.store.EntriesByJournal(ctx, journalID)
}
