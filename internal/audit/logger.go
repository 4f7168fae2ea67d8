package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one structured audit record. The ledger itself is the financial
// record of truth; these events exist for operational forensics.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EntryID   string    `json:"entry_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(entryID, payerID, payeeID string, amount int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "TRANSFER",
		EntryID:   entryID,
		Amount:    amount,
		Status:    status,
		Details: map[string]string{
			"payer_account": payerID,
			"payee_account": payeeID,
		},
	})
}

func (a *Logger) LogTopUp(entryID, accountID string, amount int64) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "TOPUP",
		EntryID:   entryID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "COMPLETED",
	})
}

func (a *Logger) LogError(accountID, operation string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: operation,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
