package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/campusmart/backend/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorage             = errors.New("storage failure")
)

// AccountNotFoundError carries the missing account id so callers can tell
// payer-not-found from payee-not-found. errors.Is matches ErrAccountNotFound.
type AccountNotFoundError struct {
	AccountID string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account not found: %s", e.AccountID)
}

func (e *AccountNotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound
}

// LedgerStore is the only component allowed to mutate balances. Every mutation
// follows the same discipline: Begin, LockAccounts, adjust, AppendEntries,
// Commit, with rollback guaranteed on any failure in between.
type LedgerStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	viper.SetDefault("database.lock_timeout", 3*time.Second)
	return &LedgerStore{
		db:          db,
		lockTimeout: viper.GetDuration("database.lock_timeout"),
	}
}

// LedgerTx is one atomic unit of ledger work.
type LedgerTx struct {
	tx *sql.Tx
}

// Begin opens a transaction with a bounded lock wait. A transfer blocked behind
// a conflicting lock fails with ErrStorage instead of hanging.
func (s *LedgerStore) Begin(ctx context.Context) (*LedgerTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("%w: lock_timeout: %v", ErrStorage, err)
	}
	return &LedgerTx{tx: tx}, nil
}

// LockAccounts acquires row locks on the given accounts in ascending id order,
// regardless of payer/payee role, so two transfers over the same pair can never
// deadlock. Returns the locked rows keyed by account id.
func (t *LedgerTx) LockAccounts(ctx context.Context, accountIDs ...string) (map[string]*models.Account, error) {
	ids := append([]string(nil), accountIDs...)
	sort.Strings(ids)

	accounts := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		if _, ok := accounts[id]; ok {
			continue
		}
		account, err := t.lockAccount(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, &AccountNotFoundError{AccountID: id}
			}
			if isLockTimeout(err) {
				return nil, fmt.Errorf("%w: lock wait timed out on %s", ErrStorage, id)
			}
			return nil, fmt.Errorf("%w: lock account %s: %v", ErrStorage, id, err)
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (t *LedgerTx) lockAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := t.tx.QueryRowContext(ctx, `
		SELECT account_id, balance, total_spent, version, updated_at
		FROM wallet_accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(
		&account.AccountID, &account.Balance, &account.TotalSpent, &account.Version, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// AdjustBalance applies a signed delta to a locked account. The caller must
// hold the row lock; the version guard catches any write that slipped past it.
func (t *LedgerTx) AdjustBalance(ctx context.Context, account *models.Account, delta int64) error {
	newBalance := account.Balance + delta
	if newBalance < 0 {
		return ErrInsufficientBalance
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, time.Now(), account.AccountID, account.Version)
	if err != nil {
		return fmt.Errorf("%w: adjust balance: %v", ErrStorage, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: adjust balance: %v", ErrStorage, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: version conflict on account %s", ErrStorage, account.AccountID)
	}

	account.Balance = newBalance
	account.Version++
	return nil
}

// IncrementSpent bumps the payer's lifetime-spent accumulator.
func (t *LedgerTx) IncrementSpent(ctx context.Context, account *models.Account, amount int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET total_spent = total_spent + $1, updated_at = $2
		WHERE account_id = $3`,
		amount, time.Now(), account.AccountID)
	if err != nil {
		return fmt.Errorf("%w: increment spent: %v", ErrStorage, err)
	}
	account.TotalSpent += amount
	return nil
}

// AppendEntries inserts immutable ledger rows within the transaction.
func (t *LedgerTx) AppendEntries(ctx context.Context, entries ...*models.LedgerEntry) error {
	for _, entry := range entries {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
			(entry_id, account_id, amount, kind, status, counterparty_account_id, order_reference, linked_entry_id, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entry.EntryID, entry.AccountID, entry.Amount, entry.Kind, entry.Status,
			nullString(entry.CounterpartyID), nullString(entry.OrderReference), nullString(entry.LinkedEntryID),
			entry.BalanceAfter, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: append entry: %v", ErrStorage, err)
		}
	}
	return nil
}

// FindPaymentEntry looks up a completed payment entry by (payer, orderRef).
// Called after the payer row is locked so a concurrent duplicate submission
// cannot pass the check before the first one commits.
func (t *LedgerTx) FindPaymentEntry(ctx context.Context, accountID, orderRef string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var counterparty, linked sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT entry_id, account_id, amount, kind, status, counterparty_account_id, linked_entry_id, balance_after, created_at
		FROM wallet_transactions
		WHERE account_id = $1 AND order_reference = $2 AND kind = $3 AND status = $4`,
		accountID, orderRef, models.EntryKindPayment, models.EntryStatusCompleted).Scan(
		&entry.EntryID, &entry.AccountID, &entry.Amount, &entry.Kind, &entry.Status,
		&counterparty, &linked, &entry.BalanceAfter, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find payment entry: %v", ErrStorage, err)
	}
	entry.CounterpartyID = counterparty.String
	entry.LinkedEntryID = linked.String
	entry.OrderReference = orderRef
	return &entry, nil
}

func (t *LedgerTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}

func (t *LedgerTx) Rollback() error {
	return t.tx.Rollback()
}

// GetAccount is the read path for balance and lifetime spent. No lock is taken.
func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, balance, total_spent, version, updated_at
		FROM wallet_accounts
		WHERE account_id = $1`, accountID).Scan(
		&account.AccountID, &account.Balance, &account.TotalSpent, &account.Version, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &AccountNotFoundError{AccountID: accountID}
		}
		return nil, fmt.Errorf("%w: get account: %v", ErrStorage, err)
	}
	return &account, nil
}

// ListEntries returns one account's ledger, most recent first. The entry_id
// tie-break keeps pagination stable when entries share a timestamp.
func (s *LedgerStore) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, account_id, amount, kind, status, counterparty_account_id, order_reference, linked_entry_id, balance_after, created_at
		FROM wallet_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, entry_id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorage, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		var counterparty, orderRef, linked sql.NullString
		if err := rows.Scan(
			&entry.EntryID, &entry.AccountID, &entry.Amount, &entry.Kind, &entry.Status,
			&counterparty, &orderRef, &linked, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrStorage, err)
		}
		entry.CounterpartyID = counterparty.String
		entry.OrderReference = orderRef.String
		entry.LinkedEntryID = linked.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorage, err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	// 55P03 lock_not_available
	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}
