package models

import "time"

const (
	PlanFree = "FREE"
	PlanPro  = "PRO"
)

// Account is a storefront user. Accounts are created by the registration
// flow; this service only ever mutates balance and plan, and only from the
// reconciliation engine.
type Account struct {
	ID      string  `json:"id"`
	Email   string  `json:"email"`
	Balance Credits `json:"balance"`
	Plan    string  `json:"plan"`
	// Version is the optimistic-lock column; every balance update must
	// carry the version it read.
	Version   int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
