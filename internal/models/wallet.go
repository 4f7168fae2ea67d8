package models

import (
	"time"
)

// Ledger entry kinds. A transfer always produces one payment and one receive.
const (
	EntryKindTopUp   = "topup"
	EntryKindPayment = "payment"
	EntryKindReceive = "receive"
)

// Ledger entry statuses. Entries either complete synchronously or are rejected;
// there is no long-lived pending state.
const (
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
)

// Account is one wallet row. Balance and TotalSpent are in minor units (paise).
type Account struct {
	AccountID  string    `json:"account_id" db:"account_id"`
	Balance    int64     `json:"balance" db:"balance"`
	TotalSpent int64     `json:"total_spent" db:"total_spent"` // lifetime spent, never decreases
	Version    int       `json:"version" db:"version"`         // for optimistic locking
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is one immutable side of a money movement. Rows are append-only;
// amount is negative for debits and positive for credits, never zero.
type LedgerEntry struct {
	EntryID        string    `json:"entry_id" db:"entry_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Kind           string    `json:"kind" db:"kind"`
	Status         string    `json:"status" db:"status"`
	CounterpartyID string    `json:"counterparty_account_id,omitempty" db:"counterparty_account_id"`
	OrderReference string    `json:"order_reference,omitempty" db:"order_reference"`
	LinkedEntryID  string    `json:"linked_entry_id,omitempty" db:"linked_entry_id"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TransferResult is returned by WalletService.Transfer, including on an
// idempotent replay, where it echoes the originally committed outcome.
type TransferResult struct {
	NewBalance     int64  `json:"newBalance"`
	OrderReference string `json:"orderReference,omitempty"`
	Amount         int64  `json:"amount"`
	Replayed       bool   `json:"-"`
}

// BalanceInfo is the balance read model for the wallet page. Pending is always
// reported as 0: the ledger has no pending entries, the field exists for the
// client contract.
type BalanceInfo struct {
	Balance       int64 `json:"balance"`
	LifetimeSpent int64 `json:"lifetimeSpent"`
	Pending       int64 `json:"pending"`
}
