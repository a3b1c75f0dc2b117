package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the engine and reconciler run against.
// Journals and entries are append-only; account balances are the only mutable
// state and are updated exclusively through CommitJournal.
type Store interface {
	// JournalByReference returns the journal committed under referenceID,
	// or ErrNotFound.
	JournalByReference(ctx context.Context, referenceID string) (*Journal, error)

	// EntriesByJournal returns a journal's entries in commit order.
	EntriesByJournal(ctx context.Context, journalID uuid.UUID) ([]Entry, error)

	// ResolveOrCreateAccount returns the account registered under
	// externalID, creating it with a zero balance on first use. Returns
	// ErrConflict if the account exists under a different currency.
	ResolveOrCreateAccount(ctx context.Context, externalID, currency string) (*Account, error)

	AccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	AccountByExternalID(ctx context.Context, externalID string) (*Account, error)

	// CommitJournal atomically inserts the journal, inserts all entries,
	// and applies each entry's amount to its account's stored balance.
	// expectedVersions carries the account versions observed by the
	// caller; if any account has moved, nothing is written and
	// ErrConcurrencyConflict is returned. A reference id collision
	// returns ErrDuplicateReference, also with nothing written.
	CommitJournal(ctx context.Context, journal *Journal, entries []Entry, expectedVersions map[uuid.UUID]int64) error

	// EntriesByAccount returns all entries for the account ordered by
	// commit sequence.
	EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]Entry, error)

	// AccountsTouchedSince returns accounts with at least one entry
	// committed at or after asOf. A zero asOf returns every account.
	AccountsTouchedSince(ctx context.Context, asOf time.Time) ([]*Account, error)
}
