package ledger

import (
	"time"

	"github.com/google/uuid"
)

// JournalStatus is the lifecycle state of a journal. Journals are committed
// atomically, so POSTED is the only state a persisted journal can be in.
type JournalStatus string

const JournalPosted JournalStatus = "POSTED"

// Account maps an external (business) account identifier to an internal
// ledger account and carries the stored balance snapshot.
//
// Balance is in signed minor currency units (cents). Version is the
// optimistic-concurrency counter bumped on every balance update.
type Account struct {
	ID         uuid.UUID
	ExternalID string
	Currency   string
	Balance    int64
	Version    int64
	CreatedAt  time.Time
}

// Journal groups the entries of one business event. Immutable after commit;
// corrections are made with new reversing journals, never by editing history.
type Journal struct {
	ID          uuid.UUID
	ReferenceID string
	Description string
	Status      JournalStatus
	RequestHash string
	CreatedAt   time.Time
}

// Entry is one signed amount posted against one account within a journal.
// Seq is assigned by the store at commit time and orders entries globally
// (and therefore per account) for balance derivation.
type Entry struct {
	ID        uuid.UUID
	JournalID uuid.UUID
	AccountID uuid.UUID
	Amount    int64
	Currency  string
	Seq       int64
	CreatedAt time.Time
}

// EntryLine is the caller-facing shape of one posting leg. Accounts are
// addressed by external id; unknown accounts are created on first use.
type EntryLine struct {
	ExternalAccountID string
	Amount            int64
	Currency          string
}

// Balance is a point-in-time balance for one account, in minor units.
type Balance struct {
	AccountID  uuid.UUID
	ExternalID string
	Currency   string
	Amount     int64
}
