package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one line of the reconciliation audit trail. Purchases are never
// deleted, so together with these lines every credit grant can be traced
// back to the provider notification that caused it.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	PurchaseID string    `json:"purchase_id,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogSettlement records a terminal purchase transition.
func (a *Logger) LogSettlement(purchaseID, accountID, provider, outcome string, creditAmount int64) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "SETTLEMENT",
		PurchaseID: purchaseID,
		AccountID:  accountID,
		Provider:   provider,
		Status:     outcome,
		Details:    map[string]int64{"credit_amount": creditAmount},
	})
}

// LogNotification records an inbound provider payload verbatim, before any
// reconciliation decision is made.
func (a *Logger) LogNotification(provider string, raw []byte) {
	var details any = string(raw)
	if json.Valid(raw) {
		details = json.RawMessage(raw)
	}
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "NOTIFICATION",
		Provider:  provider,
		Status:    "RECEIVED",
		Details:   details,
	})
}

func (a *Logger) LogError(purchaseID, accountID string, err error) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "ERROR",
		PurchaseID: purchaseID,
		AccountID:  accountID,
		Status:     "FAILED",
		Details:    map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
