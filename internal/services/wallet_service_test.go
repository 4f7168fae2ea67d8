package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmart/backend/internal/models"
)

func newWalletServiceForTest(t *testing.T) (*WalletService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, _ := redismock.NewClientMock()
	return NewWalletService(db, redisClient), mock
}

func TestWalletService_TopUp(t *testing.T) {
	service, mock := newWalletServiceForTest(t)

	t.Run("successful top-up", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 5000, 0, 1))
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(int64(8000), sqlmock.AnyArg(), "alice", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), "alice", int64(3000), models.EntryKindTopUp, models.EntryStatusCompleted,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(8000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		newBalance, err := service.TopUp(context.Background(), "alice", 3000)
		require.NoError(t, err)
		assert.Equal(t, int64(8000), newBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero amount rejected before any storage work", func(t *testing.T) {
		_, err := service.TopUp(context.Background(), "alice", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		_, err := service.TopUp(context.Background(), "alice", -100)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown account", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.TopUp(context.Background(), "ghost", 1000)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestWalletService_Transfer(t *testing.T) {
	service, mock := newWalletServiceForTest(t)

	t.Run("successful transfer locks accounts in id order", func(t *testing.T) {
		// Payer "bob" sorts after payee "alice": alice is locked first.
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 2000, 0, 4))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(lockedAccountRows("bob", 10000, 500, 2))
		mock.ExpectQuery("FROM wallet_transactions").
			WithArgs("bob", "ORD-1", models.EntryKindPayment, models.EntryStatusCompleted).
			WillReturnError(sql.ErrNoRows)
		// Debit payer.
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(int64(7000), sqlmock.AnyArg(), "bob", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Credit payee.
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(int64(5000), sqlmock.AnyArg(), "alice", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Lifetime spent.
		mock.ExpectExec("UPDATE wallet_accounts SET total_spent").
			WithArgs(int64(3000), sqlmock.AnyArg(), "bob").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Payment then receive entry.
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), "bob", int64(-3000), models.EntryKindPayment, models.EntryStatusCompleted,
				"alice", "ORD-1", sqlmock.AnyArg(), int64(7000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), "alice", int64(3000), models.EntryKindReceive, models.EntryStatusCompleted,
				"bob", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Transfer(context.Background(), "bob", "alice", 3000, "ORD-1")
		require.NoError(t, err)
		assert.Equal(t, int64(7000), result.NewBalance)
		assert.Equal(t, "ORD-1", result.OrderReference)
		assert.Equal(t, int64(3000), result.Amount)
		assert.False(t, result.Replayed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate order replays prior result without writes", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 5000, 0, 4))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(lockedAccountRows("bob", 7000, 3500, 3))
		mock.ExpectQuery("FROM wallet_transactions").
			WithArgs("bob", "ORD-1", models.EntryKindPayment, models.EntryStatusCompleted).
			WillReturnRows(sqlmock.NewRows([]string{
				"entry_id", "account_id", "amount", "kind", "status",
				"counterparty_account_id", "linked_entry_id", "balance_after", "created_at",
			}).AddRow("e1", "bob", -3000, models.EntryKindPayment, models.EntryStatusCompleted, "alice", "e2", 7000, time.Now()))
		mock.ExpectRollback()

		result, err := service.Transfer(context.Background(), "bob", "alice", 3000, "ORD-1")
		require.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.Equal(t, int64(7000), result.NewBalance)
		assert.Equal(t, int64(3000), result.Amount)
		assert.Equal(t, "ORD-1", result.OrderReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance rolls back with no partial debit", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 2000, 0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(lockedAccountRows("bob", 1000, 0, 1))
		mock.ExpectRollback()

		_, err := service.Transfer(context.Background(), "bob", "alice", 3000, "")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		_, err := service.Transfer(context.Background(), "alice", "alice", 1000, "")
		assert.ErrorIs(t, err, ErrSelfTransfer)
	})

	t.Run("invalid amount rejected", func(t *testing.T) {
		_, err := service.Transfer(context.Background(), "bob", "alice", 0, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = service.Transfer(context.Background(), "bob", "alice", -50, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("malformed recipient id rejected", func(t *testing.T) {
		_, err := service.Transfer(context.Background(), "bob", "no spaces allowed", 1000, "")
		assert.ErrorIs(t, err, ErrInvalidRecipient)
	})

	t.Run("payee not found", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 9000, 0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("zed").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Transfer(context.Background(), "alice", "zed", 1000, "")
		assert.ErrorIs(t, err, ErrPayeeNotFound)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("payer not found", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 9000, 0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("zed").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Transfer(context.Background(), "zed", "alice", 1000, "")
		assert.ErrorIs(t, err, ErrPayerNotFound)
	})

	t.Run("failure after debit rolls everything back", func(t *testing.T) {
		expectBegin(mock)
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 2000, 0, 1))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob").
			WillReturnRows(lockedAccountRows("bob", 10000, 0, 1))
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(int64(7000), sqlmock.AnyArg(), "bob", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(int64(5000), sqlmock.AnyArg(), "alice", 1).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := service.Transfer(context.Background(), "bob", "alice", 3000, "")
		assert.ErrorIs(t, err, ErrStorage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_GetBalance(t *testing.T) {
	service, mock := newWalletServiceForTest(t)

	t.Run("returns balance and lifetime spent", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_id, balance, total_spent, version, updated_at FROM wallet_accounts WHERE account_id = \\$1").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 4200, 1800, 7))

		info, err := service.GetBalance(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(4200), info.Balance)
		assert.Equal(t, int64(1800), info.LifetimeSpent)
		assert.Equal(t, int64(0), info.Pending)
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("FROM wallet_accounts").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetBalance(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestWalletService_GetHistory(t *testing.T) {
	service, mock := newWalletServiceForTest(t)

	t.Run("scoped to the requested account with pagination", func(t *testing.T) {
		mock.ExpectQuery("FROM wallet_accounts").
			WithArgs("alice").
			WillReturnRows(lockedAccountRows("alice", 4200, 1800, 7))
		mock.ExpectQuery("ORDER BY created_at DESC, entry_id DESC").
			WithArgs("alice", 25, 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"entry_id", "account_id", "amount", "kind", "status",
				"counterparty_account_id", "order_reference", "linked_entry_id", "balance_after", "created_at",
			}).AddRow("e9", "alice", 2500, models.EntryKindReceive, models.EntryStatusCompleted, "bob", nil, "e8", 4200, time.Now()))

		entries, err := service.GetHistory(context.Background(), "alice", 25, 50)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "alice", entries[0].AccountID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("FROM wallet_accounts").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetHistory(context.Background(), "ghost", 10, 0)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
