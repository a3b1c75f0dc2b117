package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"ledger-engine/internal/ledger"
)

func journalFixture(ref string) *ledger.Journal {
	return &ledger.Journal{
		ID:          uuid.New(),
		ReferenceID: ref,
		Status:      ledger.JournalPosted,
		RequestHash: "h-" + ref,
		CreatedAt:   time.Now().UTC(),
	}
}

func entryFixture(journalID, accountID uuid.UUID, amount int64) ledger.Entry {
	return ledger.Entry{
		ID:        uuid.New(),
		JournalID: journalID,
		AccountID: accountID,
		Amount:    amount,
		Currency:  "EUR",
	}
}

func TestCommitJournalAppliesBalancesAndSequences(t *testing.T) {
	st := New()
	ctx := context.Background()

	a, err := st.ResolveOrCreateAccount(ctx, "a", "EUR")
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := st.ResolveOrCreateAccount(ctx, "b", "EUR")
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	j := journalFixture("ref-1")
	err = st.CommitJournal(ctx, j, []ledger.Entry{
		entryFixture(j.ID, a.ID, 100),
		entryFixture(j.ID, b.ID, -100),
	}, map[uuid.UUID]int64{a.ID: 0, b.ID: 0})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := st.AccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got.Balance != 100 {
		t.Fatalf("balance: got %d want 100", got.Balance)
	}
	if got.Version != 1 {
		t.Fatalf("version: got %d want 1", got.Version)
	}

	entries, err := st.EntriesByAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Seq == 0 {
		t.Fatalf("seq not assigned")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatalf("created_at not assigned")
	}
}

func TestCommitJournalStaleVersionConflicts(t *testing.T) {
	st := New()
	ctx := context.Background()

	a, _ := st.ResolveOrCreateAccount(ctx, "a", "EUR")
	b, _ := st.ResolveOrCreateAccount(ctx, "b", "EUR")

	j1 := journalFixture("ref-1")
	err := st.CommitJournal(ctx, j1, []ledger.Entry{
		entryFixture(j1.ID, a.ID, 5),
		entryFixture(j1.ID, b.ID, -5),
	}, map[uuid.UUID]int64{a.ID: 0, b.ID: 0})
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	// Versions moved to 1; a commit built against version 0 must fail
	// without writing anything.
	j2 := journalFixture("ref-2")
	err = st.CommitJournal(ctx, j2, []ledger.Entry{
		entryFixture(j2.ID, a.ID, 7),
		entryFixture(j2.ID, b.ID, -7),
	}, map[uuid.UUID]int64{a.ID: 0, b.ID: 0})
	if !errors.Is(err, ledger.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	if _, err := st.JournalByReference(ctx, "ref-2"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("conflicted journal must not persist, got %v", err)
	}
	acc, _ := st.AccountByID(ctx, a.ID)
	if acc.Balance != 5 {
		t.Fatalf("balance changed by failed commit: %d", acc.Balance)
	}
}

func TestCommitJournalDuplicateReference(t *testing.T) {
	st := New()
	ctx := context.Background()

	a, _ := st.ResolveOrCreateAccount(ctx, "a", "EUR")
	b, _ := st.ResolveOrCreateAccount(ctx, "b", "EUR")

	j1 := journalFixture("ref-1")
	err := st.CommitJournal(ctx, j1, []ledger.Entry{
		entryFixture(j1.ID, a.ID, 5),
		entryFixture(j1.ID, b.ID, -5),
	}, map[uuid.UUID]int64{a.ID: 0, b.ID: 0})
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	j2 := journalFixture("ref-1")
	err = st.CommitJournal(ctx, j2, []ledger.Entry{
		entryFixture(j2.ID, a.ID, 5),
		entryFixture(j2.ID, b.ID, -5),
	}, map[uuid.UUID]int64{a.ID: 1, b.ID: 1})
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestResolveOrCreateAccountCurrencyConflict(t *testing.T) {
	st := New()
	ctx := context.Background()

	if _, err := st.ResolveOrCreateAccount(ctx, "a", "EUR"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.ResolveOrCreateAccount(ctx, "a", "USD"); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAccountsTouchedSince(t *testing.T) {
	st := New()
	ctx := context.Background()

	a, _ := st.ResolveOrCreateAccount(ctx, "a", "EUR")
	b, _ := st.ResolveOrCreateAccount(ctx, "b", "EUR")
	if _, err := st.ResolveOrCreateAccount(ctx, "untouched", "EUR"); err != nil {
		t.Fatalf("create: %v", err)
	}

	j := journalFixture("ref-1")
	err := st.CommitJournal(ctx, j, []ledger.Entry{
		entryFixture(j.ID, a.ID, 5),
		entryFixture(j.ID, b.ID, -5),
	}, map[uuid.UUID]int64{a.ID: 0, b.ID: 0})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, err := st.AccountsTouchedSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("full run: got %d accounts, want 3", len(all))
	}

	recent, err := st.AccountsTouchedSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("incremental: got %d accounts, want 2", len(recent))
	}

	none, err := st.AccountsTouchedSince(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("future cutoff: got %d accounts, want 0", len(none))
	}
}
