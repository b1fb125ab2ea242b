package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/burocratadebolso/backend/internal/models"
	"github.com/go-chi/chi/v5"
)

// StatusService is the read-only balance/plan lookup the storefront polls
// after checkout. No side effects.
type StatusService struct {
	ledger *LedgerService
}

func NewStatusService(ledger *LedgerService) *StatusService {
	return &StatusService{ledger: ledger}
}

type AccountStatus struct {
	Balance models.Credits `json:"balance"`
	Plan    string         `json:"plan"`
}

func (s *StatusService) GetStatus(ctx context.Context, accountID string) (*AccountStatus, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		Balance: account.Balance,
		Plan:    account.Plan,
	}, nil
}

// GetAccountCredits handles GET /accounts/{accountId}/credits.
func (s *StatusService) GetAccountCredits(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	status, err := s.GetStatus(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[STATUS] Failed to fetch account %s: %v", accountID, err)
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
