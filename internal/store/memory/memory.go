// Package memory is an in-memory implementation of the ledger store. It backs
// unit tests and local runs; the durable implementation lives in
// store/postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger-engine/internal/ledger"
)

type Store struct {
	mu sync.RWMutex

	accounts      map[uuid.UUID]*ledger.Account
	accountsByExt map[string]uuid.UUID

	journals      map[uuid.UUID]*ledger.Journal
	journalsByRef map[string]uuid.UUID

	// entries is the append-only log; Seq is its 1-based position.
	entries          []ledger.Entry
	entriesByAccount map[uuid.UUID][]int
	entriesByJournal map[uuid.UUID][]int
}

func New() *Store {
	return &Store{
		accounts:         make(map[uuid.UUID]*ledger.Account),
		accountsByExt:    make(map[string]uuid.UUID),
		journals:         make(map[uuid.UUID]*ledger.Journal),
		journalsByRef:    make(map[string]uuid.UUID),
		entriesByAccount: make(map[uuid.UUID][]int),
		entriesByJournal: make(map[uuid.UUID][]int),
	}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) JournalByReference(ctx context.Context, referenceID string) (*ledger.Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.journalsByRef[referenceID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	journal := *s.journals[id]
	return &journal, nil
}

func (s *Store) EntriesByJournal(ctx context.Context, journalID uuid.UUID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.entriesByJournal[journalID]
	out := make([]ledger.Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) ResolveOrCreateAccount(ctx context.Context, externalID, currency string) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.accountsByExt[externalID]; ok {
		acc := s.accounts[id]
		if acc.Currency != currency {
			return nil, ledger.ErrConflict
		}
		cp := *acc
		return &cp, nil
	}

	acc := &ledger.Account{
		ID:         uuid.New(),
		ExternalID: externalID,
		Currency:   currency,
		CreatedAt:  time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	s.accountsByExt[externalID] = acc.ID
	cp := *acc
	return &cp, nil
}

func (s *Store) AccountByID(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) AccountByExternalID(ctx context.Context, externalID string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByExt[externalID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *Store) CommitJournal(ctx context.Context, journal *ledger.Journal, entries []ledger.Entry, expectedVersions map[uuid.UUID]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.journalsByRef[journal.ReferenceID]; ok {
		return ledger.ErrDuplicateReference
	}

	// Compare-and-swap on every touched account before anything is written.
	for accID, version := range expectedVersions {
		acc, ok := s.accounts[accID]
		if !ok {
			return ledger.ErrNotFound
		}
		if acc.Version != version {
			return ledger.ErrConcurrencyConflict
		}
	}

	now := time.Now().UTC()
	j := *journal
	s.journals[j.ID] = &j
	s.journalsByRef[j.ReferenceID] = j.ID

	for _, entry := range entries {
		entry.Seq = int64(len(s.entries) + 1)
		entry.CreatedAt = now
		idx := len(s.entries)
		s.entries = append(s.entries, entry)
		s.entriesByAccount[entry.AccountID] = append(s.entriesByAccount[entry.AccountID], idx)
		s.entriesByJournal[entry.JournalID] = append(s.entriesByJournal[entry.JournalID], idx)

		acc := s.accounts[entry.AccountID]
		acc.Balance += entry.Amount
	}

	for accID := range expectedVersions {
		s.accounts[accID].Version++
	}
	return nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.entriesByAccount[accountID]
	out := make([]ledger.Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) AccountsTouchedSince(ctx context.Context, asOf time.Time) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	touched := make(map[uuid.UUID]bool)
	if asOf.IsZero() {
		for id := range s.accounts {
			touched[id] = true
		}
	} else {
		for _, entry := range s.entries {
			if !entry.CreatedAt.Before(asOf) {
				touched[entry.AccountID] = true
			}
		}
	}

	out := make([]*ledger.Account, 0, len(touched))
	for id := range touched {
		cp := *s.accounts[id]
		out = append(out, &cp)
	}
	return out, nil
}

// SetBalance overwrites an account's stored balance without touching its
// entries. Fault-injection hook for reconciliation tests; never used by the
// engine.
func (s *Store) SetBalance(externalID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountsByExt[externalID]
	if !ok {
		return ledger.ErrNotFound
	}
	s.accounts[id].Balance = balance
	s.accounts[id].Version++
	return nil
}
