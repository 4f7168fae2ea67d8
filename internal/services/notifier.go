package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/campusmart/backend/internal/models"
)

const (
	balanceEventChannel = "wallet:events"
	notificationQueue   = "wallet_notification_queue"
)

// BalanceEvent is the fire-and-forget message pushed after a commit so the
// live wallet page can update without polling.
type BalanceEvent struct {
	Type       string              `json:"type"`
	AccountID  string              `json:"accountId"`
	NewBalance int64               `json:"newBalance"`
	Entry      *models.LedgerEntry `json:"entry,omitempty"`
	Timestamp  int64               `json:"timestamp"`
}

// BalanceNotifier publishes balance-changed events over Redis. Delivery is
// best effort: a publish failure never affects a committed transaction.
type BalanceNotifier struct {
	redis *redis.Client
}

func NewBalanceNotifier(redisClient *redis.Client) *BalanceNotifier {
	return &BalanceNotifier{redis: redisClient}
}

// PublishBalanceChange emits a NEW_TRANSACTION event on the pub/sub channel
// and queues it for the notification worker. Callers run this after commit,
// typically in a goroutine.
func (n *BalanceNotifier) PublishBalanceChange(accountID string, newBalance int64, entry *models.LedgerEntry) {
	if n.redis == nil {
		return
	}

	event := BalanceEvent{
		Type:       "NEW_TRANSACTION",
		AccountID:  accountID,
		NewBalance: newBalance,
		Entry:      entry,
		Timestamp:  time.Now().Unix(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[NOTIFIER] Failed to marshal balance event for %s: %v", accountID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := n.redis.Publish(ctx, balanceEventChannel, string(data)).Err(); err != nil {
		log.Printf("[NOTIFIER] Failed to publish balance event for %s: %v", accountID, err)
	}
	if err := n.redis.RPush(ctx, notificationQueue, string(data)).Err(); err != nil {
		log.Printf("[NOTIFIER] Failed to queue notification for %s: %v", accountID, err)
	}
}
