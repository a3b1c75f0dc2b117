package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed input: too few entries, missing
	// reference id, bad currency codes. Nothing is persisted.
	ErrValidation = errors.New("validation error")

	// ErrUnbalanced is a validation failure of the double-entry balance
	// law: for some currency in the request, the signed amounts do not
	// sum to exactly zero.
	ErrUnbalanced = fmt.Errorf("%w: unbalanced journal", ErrValidation)

	ErrNotFound = errors.New("not found")

	// ErrConflict means an external account id was referenced with a
	// currency different from the one it was created with.
	ErrConflict = errors.New("account currency conflict")

	// ErrIdempotencyConflict means a reference id was reused with a
	// different payload. Replays with an identical payload are not an
	// error; they return the previously committed journal.
	ErrIdempotencyConflict = errors.New("reference id used with different payload")

	// ErrDuplicateReference is returned by stores when a journal insert
	// loses a race on the reference id unique constraint. The engine
	// resolves it by replaying the winner's journal.
	ErrDuplicateReference = errors.New("reference id already exists")

	// ErrConcurrencyConflict is the transient compare-and-swap failure on
	// an account version. The engine retries a bounded number of times.
	ErrConcurrencyConflict = errors.New("concurrent balance update conflict")

	// ErrPostingFailed is surfaced after the bounded retry budget is
	// exhausted. Retryable: the caller re-posts with the same reference id.
	ErrPostingFailed = errors.New("posting failed after retries")
)
