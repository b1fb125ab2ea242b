package models

import "time"

// Purchase statuses. PENDING is the only non-terminal state; a purchase
// makes at most one transition out of it.
const (
	PurchasePending  = "PENDING"
	PurchaseApproved = "APPROVED"
	PurchaseFailed   = "FAILED"
)

// Credit packages sold by the storefront.
const (
	PackageBronze = "bronze"
	PackageSilver = "silver"
	PackagePro    = "pro"
)

// Purchase is a durable purchase intent. The row is written before the user
// is redirected to the payment provider; its ID is passed to the provider as
// the external reference so the webhook can correlate deterministically.
type Purchase struct {
	ID                string     `json:"purchaseId"`
	AccountID         string     `json:"accountId"`
	Package           string     `json:"package"`
	CreditAmount      int64      `json:"creditAmount"`
	Price             float64    `json:"price"`
	Provider          string     `json:"provider"`
	ProviderPaymentID string     `json:"providerPaymentId,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	SettledAt         *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal reports whether the purchase has already been settled one way
// or the other.
func (p *Purchase) IsTerminal() bool {
	return p.Status == PurchaseApproved || p.Status == PurchaseFailed
}
