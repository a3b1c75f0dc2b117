package ledger

import (
	"context"

	"github.com/google/uuid"
)

// DeriveBalance recomputes an account's balance by summing its entries in
// commit order. This is the ground truth used to audit the stored balance
// snapshot; it reads only immutable data and has no side effects.
func (e *Engine) DeriveBalance(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	return deriveBalance(ctx, e.store, accountID)
}

func deriveBalance(ctx context.Context, store Store, accountID uuid.UUID) (Balance, error) {
	acc, err := store.AccountByID(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}

	entries, err := store.EntriesByAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}

	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}

	return Balance{
		AccountID:  acc.ID,
		ExternalID: acc.ExternalID,
		Currency:   acc.Currency,
		Amount:     sum,
	}, nil
}
