// Package postgres is the durable ledger store. Append-only behavior for
// journals and entries is enforced by the schema (see migrations); balance
// updates use a compare-and-swap on the account version column.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger-engine/internal/ledger"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

var _ ledger.Store = (*Store)(nil)

const accountColumns = `id, external_id, currency, balance_minor, version, created_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(&acc.ID, &acc.ExternalID, &acc.Currency, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (s *Store) JournalByReference(ctx context.Context, referenceID string) (*ledger.Journal, error) {
	var journal ledger.Journal
	err := s.db.QueryRow(ctx,
		`SELECT id, reference_id, description, status, request_hash, created_at
		   FROM ledger_journal
		  WHERE reference_id=$1`,
		referenceID,
	).Scan(&journal.ID, &journal.ReferenceID, &journal.Description, &journal.Status, &journal.RequestHash, &journal.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &journal, nil
}

func (s *Store) EntriesByJournal(ctx context.Context, journalID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, journal_id, account_id, amount_minor, currency, seq, created_at
		   FROM ledger_entry
		  WHERE journal_id=$1
		  ORDER BY seq`,
		journalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) ResolveOrCreateAccount(ctx context.Context, externalID, currency string) (*ledger.Account, error) {
	// Upsert-on-first-use; losers of the insert race fall through to the
	// read, so concurrent first references of a new account both succeed.
	_, err := s.db.Exec(ctx,
		`INSERT INTO ledger_account(id, external_id, currency)
		 VALUES($1,$2,$3)
		 ON CONFLICT (external_id) DO NOTHING`,
		uuid.New(), externalID, currency,
	)
	if err != nil {
		return nil, err
	}

	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM ledger_account WHERE external_id=$1`,
		externalID,
	))
	if err != nil {
		return nil, err
	}
	if acc.Currency != currency {
		return nil, ledger.ErrConflict
	}
	return acc, nil
}

func (s *Store) AccountByID(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM ledger_account WHERE id=$1`, id,
	))
}

func (s *Store) AccountByExternalID(ctx context.Context, externalID string) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM ledger_account WHERE external_id=$1`, externalID,
	))
}

func (s *Store) CommitJournal(ctx context.Context, journal *ledger.Journal, entries []ledger.Entry, expectedVersions map[uuid.UUID]int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_journal(id, reference_id, description, status, request_hash, created_at)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		journal.ID, journal.ReferenceID, journal.Description, journal.Status, journal.RequestHash, journal.CreatedAt,
	)
	if err != nil {
		return mapPgErr(err)
	}

	deltas := make(map[uuid.UUID]int64, len(expectedVersions))
	for _, entry := range entries {
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entry(id, journal_id, account_id, amount_minor, currency)
			 VALUES($1,$2,$3,$4,$5)`,
			entry.ID, entry.JournalID, entry.AccountID, entry.Amount, entry.Currency,
		)
		if err != nil {
			return mapPgErr(err)
		}
		deltas[entry.AccountID] += entry.Amount
	}

	// CAS per touched account, in a fixed id order so that concurrent
	// commits touching the same accounts acquire row locks in the same
	// order and cannot deadlock each other. A moved version means a
	// concurrent commit landed first, so the whole transaction rolls
	// back for a retry.
	touched := make([]uuid.UUID, 0, len(deltas))
	for accID := range deltas {
		touched = append(touched, accID)
	}
	slices.SortFunc(touched, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	for _, accID := range touched {
		tag, err := tx.Exec(ctx,
			`UPDATE ledger_account
			    SET balance_minor = balance_minor + $1,
			        version = version + 1
			  WHERE id=$2 AND version=$3`,
			deltas[accID], accID, expectedVersions[accID],
		)
		if err != nil {
			return mapPgErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrConcurrencyConflict
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, journal_id, account_id, amount_minor, currency, seq, created_at
		   FROM ledger_entry
		  WHERE account_id=$1
		  ORDER BY seq`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) AccountsTouchedSince(ctx context.Context, asOf time.Time) ([]*ledger.Account, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if asOf.IsZero() {
		rows, err = s.db.Query(ctx,
			`SELECT `+accountColumns+` FROM ledger_account ORDER BY external_id`)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+accountColumns+`
			   FROM ledger_account a
			  WHERE EXISTS (
			        SELECT 1 FROM ledger_entry e
			         WHERE e.account_id = a.id AND e.created_at >= $1)
			  ORDER BY external_id`,
			asOf,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Account
	for rows.Next() {
		var acc ledger.Account
		if err := rows.Scan(&acc.ID, &acc.ExternalID, &acc.Currency, &acc.Balance, &acc.Version, &acc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &acc)
	}
	return out, rows.Err()
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		err := rows.Scan(&entry.ID, &entry.JournalID, &entry.AccountID, &entry.Amount, &entry.Currency, &entry.Seq, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == "ledger_journal_reference_id_key" {
				return ledger.ErrDuplicateReference
			}
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ledger.ErrConcurrencyConflict
		}
	}
	return err
}
