package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/burocratadebolso/backend/internal/audit"
	"github.com/burocratadebolso/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PurchaseService records purchase intents. The PENDING row is durable
// before the user ever leaves for the provider, and its UUID is handed to
// the provider as the external reference; reconciliation depends on that
// correlation discipline, not on guessing.
type PurchaseService struct {
	ledger    *LedgerService
	providers map[string]PaymentProviderClient
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewPurchaseService(ledger *LedgerService, providers ...PaymentProviderClient) *PurchaseService {
	byName := make(map[string]PaymentProviderClient, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &PurchaseService{
		ledger:    ledger,
		providers: byName,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// Begin validates the package, records the PENDING purchase and asks the
// provider for a checkout. The checkout call is best effort: once the intent
// row is durable, a provider hiccup must not lose the purchase.
func (s *PurchaseService) Begin(ctx context.Context, accountID, pkg, provider string) (*models.Purchase, *Checkout, error) {
	effect, err := CreditPolicy(pkg)
	if err != nil {
		return nil, nil, err
	}

	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	client, ok := s.providers[provider]
	if !ok {
		return nil, nil, fmt.Errorf("unknown payment provider %q", provider)
	}

	purchase := &models.Purchase{
		ID:           uuid.NewString(),
		AccountID:    account.ID,
		Package:      effect.Package,
		CreditAmount: effect.CreditAmount,
		Price:        effect.Price,
		Provider:     client.Name(),
	}

	if err := s.ledger.CreatePurchase(ctx, purchase); err != nil {
		log.Printf("[PURCHASE] Failed to create purchase for account %s: %v", accountID, err)
		return nil, nil, err
	}
	log.Printf("[PURCHASE] Created purchase %s (%s) for account %s", purchase.ID, purchase.Package, account.ID)

	checkout, err := client.CreatePayment(ctx, CreatePaymentRequest{
		PurchaseID:  purchase.ID,
		Package:     purchase.Package,
		Description: packageDescription(purchase.Package),
		Amount:      purchase.Price,
		PayerEmail:  account.Email,
	})
	if err != nil {
		s.audit.LogError(purchase.ID, account.ID, err)
		log.Printf("[PURCHASE] Checkout creation failed for purchase %s, intent kept: %v", purchase.ID, err)
		return purchase, nil, nil
	}

	if checkout.ProviderPaymentID != "" {
		purchase.ProviderPaymentID = checkout.ProviderPaymentID
		if err := s.ledger.SetProviderPaymentID(ctx, purchase.ID, checkout.ProviderPaymentID); err != nil {
			log.Printf("[PURCHASE] Failed to store provider payment id for %s: %v", purchase.ID, err)
		}
	}

	return purchase, checkout, nil
}

func packageDescription(pkg string) string {
	switch pkg {
	case models.PackageBronze:
		return "Burocrata de Bolso - Pacote Bronze"
	case models.PackageSilver:
		return "Burocrata de Bolso - Pacote Prata"
	case models.PackagePro:
		return "Burocrata de Bolso - Plano PRO"
	default:
		return "Burocrata de Bolso"
	}
}

// CreatePurchase handles POST /purchases.
func (s *PurchaseService) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"accountId" validate:"required"`
		Package   string `json:"package" validate:"required,credit_package"`
		Provider  string `json:"provider" validate:"omitempty,oneof=mercadopago abacatepay"`
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

	if req.Provider == "" {
		req.Provider = models.ProviderAbacatePay
	}

	purchase, checkout, err := s.Begin(r.Context(), req.AccountID, req.Package, req.Provider)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPackage):
			SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[PURCHASE] Failed to begin purchase: %v", err)
			SendErrorResponse(w, "Failed to create purchase", http.StatusInternalServerError, nil)
		}
		return
	}

	response := map[string]any{
		"purchaseId": purchase.ID,
		"status":     purchase.Status,
	}
	if checkout != nil {
		if checkout.RedirectURL != "" {
			response["checkoutUrl"] = checkout.RedirectURL
		}
		if checkout.PixCode != "" {
			response["pixCode"] = checkout.PixCode
		}
		if checkout.QRImage != "" {
			response["qrImage"] = checkout.QRImage
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// GetPurchase handles GET /purchases/{purchaseId}; the storefront polls it
// after the user returns from checkout.
func (s *PurchaseService) GetPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID := chi.URLParam(r, "purchaseId")

	purchase, err := s.ledger.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Purchase not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PURCHASE] Failed to fetch purchase %s: %v", purchaseID, err)
			SendErrorResponse(w, "Failed to fetch purchase", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(purchase)
}
