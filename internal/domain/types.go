package domain

import (
	"time"

	"github.com/google/uuid"
)

type CreateAccountRequest struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
}

type CreateAccountResponse struct {
	AccountID         uuid.UUID `json:"account_id"`
	ExternalAccountID string    `json:"external_account_id"`
	Currency          string    `json:"currency"`
	BalanceMinor      int64     `json:"balance_minor"`
}

type JournalEntryInput struct {
	AccountID   string `json:"account_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type PostJournalRequest struct {
	ReferenceID string              `json:"reference_id"`
	Description string              `json:"description,omitempty"`
	Entries     []JournalEntryInput `json:"entries"`
}

type PostJournalResponse struct {
	JournalID   uuid.UUID `json:"journal_id"`
	ReferenceID string    `json:"reference_id"`
	Status      string    `json:"status"`
}

type BalanceResponse struct {
	AccountID    string `json:"account_id"`
	Currency     string `json:"currency"`
	BalanceMinor int64  `json:"balance_minor"`
	Derived      bool   `json:"derived"`
}

type ReconcileRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}
