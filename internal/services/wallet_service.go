package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/campusmart/backend/internal/audit"
	"github.com/campusmart/backend/internal/models"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrSelfTransfer     = errors.New("cannot pay yourself")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrPayerNotFound    = fmt.Errorf("payer %w", ErrAccountNotFound)
	ErrPayeeNotFound    = fmt.Errorf("payee %w", ErrAccountNotFound)
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_transfers_total",
		Help: "Transfer attempts by outcome",
	}, []string{"outcome"})

	topUpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_topups_total",
		Help: "Completed top-ups",
	})

	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_transfer_duration_seconds",
		Help:    "Transfer latency including lock waits",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
	})
)

var accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// WalletService implements the wallet operations: top-up, transfer, balance
// and history. All balance mutations go through the LedgerStore transaction
// discipline; the notifier side channel runs only after commit.
type WalletService struct {
	db        *sql.DB
	ledger    *LedgerStore
	notifier  *BalanceNotifier
	validator *ValidationHelper
	audit     *audit.Logger
}

func NewWalletService(db *sql.DB, redisClient *redis.Client) *WalletService {
	return &WalletService{
		db:        db,
		ledger:    NewLedgerStore(db),
		notifier:  NewBalanceNotifier(redisClient),
		validator: NewValidationHelper(),
		audit:     audit.NewLogger(),
	}
}

// TopUp credits an account from the external funding source and appends one
// topup ledger entry. Returns the new balance.
func (s *WalletService) TopUp(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if !accountIDRegex.MatchString(accountID) {
		return 0, ErrAccountNotFound
	}

	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	accounts, err := tx.LockAccounts(ctx, accountID)
	if err != nil {
		return 0, err
	}
	account := accounts[accountID]

	if err := tx.AdjustBalance(ctx, account, amount); err != nil {
		return 0, err
	}

	entry := &models.LedgerEntry{
		EntryID:      uuid.NewString(),
		AccountID:    accountID,
		Amount:       amount,
		Kind:         models.EntryKindTopUp,
		Status:       models.EntryStatusCompleted,
		BalanceAfter: account.Balance,
		CreatedAt:    time.Now(),
	}
	if err := tx.AppendEntries(ctx, entry); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	topUpsTotal.Inc()
	s.audit.LogTopUp(entry.EntryID, accountID, amount)
	go s.notifier.PublishBalanceChange(accountID, account.Balance, entry)

	return account.Balance, nil
}

// Transfer atomically debits the payer and credits the payee, recording two
// cross-linked ledger entries. A repeated orderRef replays the original
// result without moving money again.
func (s *WalletService) Transfer(ctx context.Context, payerID, payeeID string, amount int64, orderRef string) (*models.TransferResult, error) {
	timer := prometheus.NewTimer(transferDuration)
	defer timer.ObserveDuration()

	// Fail fast before taking any locks.
	if amount <= 0 {
		transfersTotal.WithLabelValues("invalid_amount").Inc()
		return nil, ErrInvalidAmount
	}
	if payerID == payeeID {
		transfersTotal.WithLabelValues("self_transfer").Inc()
		return nil, ErrSelfTransfer
	}
	if !accountIDRegex.MatchString(payeeID) || !accountIDRegex.MatchString(payerID) {
		transfersTotal.WithLabelValues("invalid_recipient").Inc()
		return nil, ErrInvalidRecipient
	}

	tx, err := s.ledger.Begin(ctx)
	if err != nil {
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	defer tx.Rollback()

	accounts, err := tx.LockAccounts(ctx, payerID, payeeID)
	if err != nil {
		var notFound *AccountNotFoundError
		if errors.As(err, &notFound) {
			transfersTotal.WithLabelValues("account_not_found").Inc()
			if notFound.AccountID == payerID {
				return nil, ErrPayerNotFound
			}
			return nil, ErrPayeeNotFound
		}
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	payer := accounts[payerID]
	payee := accounts[payeeID]

	// Idempotency check under the payer lock: a concurrent duplicate cannot
	// pass this before the first submission commits.
	if orderRef != "" {
		prior, err := tx.FindPaymentEntry(ctx, payerID, orderRef)
		if err != nil {
			transfersTotal.WithLabelValues("storage_error").Inc()
			return nil, err
		}
		if prior != nil {
			log.Printf("[WALLET] Duplicate order %s for account %s, replaying prior result", orderRef, payerID)
			transfersTotal.WithLabelValues("replayed").Inc()
			return &models.TransferResult{
				NewBalance:     prior.BalanceAfter,
				OrderReference: orderRef,
				Amount:         -prior.Amount,
				Replayed:       true,
			}, nil
		}
	}

	if err := tx.AdjustBalance(ctx, payer, -amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			transfersTotal.WithLabelValues("insufficient_balance").Inc()
		} else {
			transfersTotal.WithLabelValues("storage_error").Inc()
		}
		s.audit.LogError(payerID, "TRANSFER", err)
		return nil, err
	}
	if err := tx.AdjustBalance(ctx, payee, amount); err != nil {
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	if err := tx.IncrementSpent(ctx, payer, amount); err != nil {
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	now := time.Now()
	paymentEntry := &models.LedgerEntry{
		EntryID:        uuid.NewString(),
		AccountID:      payerID,
		Amount:         -amount,
		Kind:           models.EntryKindPayment,
		Status:         models.EntryStatusCompleted,
		CounterpartyID: payeeID,
		OrderReference: orderRef,
		BalanceAfter:   payer.Balance,
		CreatedAt:      now,
	}
	receiveEntry := &models.LedgerEntry{
		EntryID:        uuid.NewString(),
		AccountID:      payeeID,
		Amount:         amount,
		Kind:           models.EntryKindReceive,
		Status:         models.EntryStatusCompleted,
		CounterpartyID: payerID,
		BalanceAfter:   payee.Balance,
		CreatedAt:      now,
	}
	paymentEntry.LinkedEntryID = receiveEntry.EntryID
	receiveEntry.LinkedEntryID = paymentEntry.EntryID

	if err := tx.AppendEntries(ctx, paymentEntry, receiveEntry); err != nil {
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		transfersTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	transfersTotal.WithLabelValues("completed").Inc()
	s.audit.LogTransfer(paymentEntry.EntryID, payerID, payeeID, amount, "COMPLETED")
	go s.notifier.PublishBalanceChange(payerID, payer.Balance, paymentEntry)
	go s.notifier.PublishBalanceChange(payeeID, payee.Balance, receiveEntry)

	return &models.TransferResult{
		NewBalance:     payer.Balance,
		OrderReference: orderRef,
		Amount:         amount,
	}, nil
}

// GetBalance returns the current balance and lifetime spent for an account.
func (s *WalletService) GetBalance(ctx context.Context, accountID string) (*models.BalanceInfo, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &models.BalanceInfo{
		Balance:       account.Balance,
		LifetimeSpent: account.TotalSpent,
		Pending:       0,
	}, nil
}

// GetHistory returns the account's ledger entries, most recent first.
func (s *WalletService) GetHistory(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.ListEntries(ctx, accountID, limit, offset)
}

// HTTP handlers

// HandleTopUp credits the authenticated user's wallet
// @Summary Top up wallet
// @Description Add funds to the caller's wallet balance
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Top-up amount in minor units"
// @Success 200 {object} object{success=bool,newBalance=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/topup [post]
func (s *WalletService) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	newBalance, err := s.TopUp(r.Context(), accountID, req.Amount)
	if err != nil {
		log.Printf("[WALLET] Top-up failed for account %s: %v", accountID, err)
		s.sendWalletError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"newBalance": newBalance,
	})
}

// HandlePay executes a wallet-to-wallet payment
// @Summary Pay another user
// @Description Transfer funds from the caller's wallet to a recipient, optionally idempotent on orderId
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{recipientId=string,amount=int64,orderId=string} true "Payment request"
// @Success 200 {object} models.TransferResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/pay [post]
func (s *WalletService) HandlePay(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		RecipientID string `json:"recipientId" validate:"required,max=64"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		OrderID     string `json:"orderId" validate:"omitempty,max=128"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.Transfer(r.Context(), accountID, req.RecipientID, req.Amount, req.OrderID)
	if err != nil {
		log.Printf("[WALLET] Payment failed from %s to %s: %v", accountID, req.RecipientID, err)
		s.sendWalletError(w, err)
		return
	}

	message := "Payment successful"
	if result.Replayed {
		message = "Payment already completed for this order"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"message":        message,
		"newBalance":     result.NewBalance,
		"orderReference": result.OrderReference,
		"amount":         result.Amount,
	})
}

// HandleBalance returns the caller's balance
// @Summary Get wallet balance
// @Description Current balance, lifetime spent and pending amount for the caller
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.BalanceInfo
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	info, err := s.GetBalance(r.Context(), accountID)
	if err != nil {
		s.sendWalletError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// HandleHistory returns the caller's transaction history
// @Summary Get transaction history
// @Description Paginated ledger entries for the caller, most recent first
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 50, max 100)"
// @Param offset query int false "Offset into the history"
// @Success 200 {object} object{transactions=[]models.LedgerEntry,count=int}
// @Failure 404 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WalletService) HandleHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := s.GetHistory(r.Context(), accountID, limit, offset)
	if err != nil {
		s.sendWalletError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": entries,
		"count":        len(entries),
	})
}

// sendWalletError maps sentinel errors to HTTP responses. Storage failures are
// the retryable class; everything else is terminal for the request.
func (s *WalletService) sendWalletError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, "Invalid payment amount", http.StatusBadRequest, nil)
	case errors.Is(err, ErrSelfTransfer):
		SendErrorResponse(w, "Cannot send payment to yourself", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidRecipient):
		SendErrorResponse(w, "Invalid recipient", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, "Insufficient wallet balance", http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	default:
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
