package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/burocratadebolso/backend/internal/audit"
	"github.com/burocratadebolso/backend/internal/models"
	"github.com/burocratadebolso/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
)

// Reconciler is the downstream side of the gateway.
type Reconciler interface {
	Settle(ctx context.Context, event *models.PaymentEvent) error
	QueueRetry(ctx context.Context, event *models.PaymentEvent) error
}

// PaymentFetcher resolves a payment ID into its details. Mercado Pago
// webhook bodies carry only the ID.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*services.PaymentDetails, error)
}

// WebhookHandler is the provider notification gateway: it authenticates the
// call, normalizes the provider payload into a canonical PaymentEvent and
// hands it to the reconciliation engine. Idempotency lives downstream; this
// layer's job is to acknowledge everything that was durably accepted so
// provider retry storms never build up.
type WebhookHandler struct {
	reconciler  Reconciler
	mercadopago PaymentFetcher
	audit       *audit.Logger
	secrets     map[string]string
}

func NewWebhookHandler(reconciler Reconciler, mercadopago PaymentFetcher) *WebhookHandler {
	return &WebhookHandler{
		reconciler:  reconciler,
		mercadopago: mercadopago,
		audit:       audit.NewLogger(),
		secrets: map[string]string{
			models.ProviderMercadoPago: viper.GetString("mercadopago.webhook_secret"),
			models.ProviderAbacatePay:  viper.GetString("abacatepay.webhook_secret"),
		},
	}
}

// HandleWebhook handles POST /webhook/{provider}.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider != models.ProviderMercadoPago && provider != models.ProviderAbacatePay {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to read %s body: %v", provider, err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(provider, body, r.Header.Get("X-Signature")) {
		log.Printf("[WEBHOOK] Invalid signature on %s notification from %s", provider, r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	h.audit.LogNotification(provider, body)

	event, err := h.parseEvent(r.Context(), provider, body, r.URL.Query())
	if err != nil {
		if errors.Is(err, services.ErrMalformedNotification) {
			// Retrying a malformed payload can never succeed, so it
			// is acknowledged and kept only in the audit trail.
			log.Printf("[WEBHOOK] Malformed %s notification acknowledged: %v", provider, err)
			h.ack(w)
			return
		}
		// Transient failure resolving the event (e.g. the provider API
		// is down); a non-2xx makes the provider redeliver later.
		log.Printf("[WEBHOOK] Failed to resolve %s notification: %v", provider, err)
		http.Error(w, "Failed to resolve notification", http.StatusBadGateway)
		return
	}
	if event == nil {
		// Notification about something other than a payment.
		h.ack(w)
		return
	}

	if err := h.reconciler.Settle(r.Context(), event); err != nil {
		if errors.Is(err, services.ErrStorageTimeout) {
			log.Printf("[WEBHOOK] ALERT storage timeout settling %s payment %s, queued for retry",
				provider, event.ProviderPaymentID)
			if qErr := h.reconciler.QueueRetry(r.Context(), event); qErr != nil {
				log.Printf("[WEBHOOK] Retry enqueue failed for %s payment %s: %v",
					provider, event.ProviderPaymentID, qErr)
			}
		} else {
			log.Printf("[WEBHOOK] Settlement error for %s payment %s: %v",
				provider, event.ProviderPaymentID, err)
		}
		// Still acknowledged: redelivering the same notification cannot
		// fix a fault on our side, the retry queue owns it now.
	}

	h.ack(w)
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// X-Signature header. Providers without a configured secret are let through;
// production config is expected to set both secrets.
func (h *WebhookHandler) verifySignature(provider string, body []byte, signature string) bool {
	secret := h.secrets[provider]
	if secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *WebhookHandler) parseEvent(ctx context.Context, provider string, body []byte, query map[string][]string) (*models.PaymentEvent, error) {
	switch provider {
	case models.ProviderAbacatePay:
		return h.parseAbacatePay(body)
	default:
		return h.parseMercadoPago(ctx, body, query)
	}
}

// parseAbacatePay maps an AbacatePay billing notification. The purchase ID
// rides in the metadata we attached at billing creation.
func (h *WebhookHandler) parseAbacatePay(body []byte) (*models.PaymentEvent, error) {
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Metadata struct {
				PurchaseID string `json:"purchase_id"`
			} `json:"metadata"`
			Customer struct {
				Email string `json:"email"`
				Metadata struct {
					Email string `json:"email"`
				} `json:"metadata"`
			} `json:"customer"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, services.ErrMalformedNotification
	}
	if payload.Data.ID == "" && payload.Data.Metadata.PurchaseID == "" {
		return nil, services.ErrMalformedNotification
	}

	status := models.EventUnknown
	switch {
	case payload.Data.Status == "PAID" || payload.Event == "billing.paid":
		status = models.EventApproved
	case payload.Data.Status == "CANCELLED" || payload.Data.Status == "EXPIRED" ||
		payload.Data.Status == "REFUNDED" || payload.Event == "billing.failed":
		status = models.EventFailed
	}

	email := payload.Data.Customer.Email
	if email == "" {
		email = payload.Data.Customer.Metadata.Email
	}

	return &models.PaymentEvent{
		Provider:          models.ProviderAbacatePay,
		ProviderPaymentID: payload.Data.ID,
		Status:            status,
		ExternalReference: payload.Data.Metadata.PurchaseID,
		PayerEmail:        email,
		Raw:               body,
	}, nil
}

// parseMercadoPago maps a Mercado Pago notification. Current webhooks send
// {"type":"payment","data":{"id":...}}; the legacy IPN format uses
// topic/id query parameters. Either way the body has no status or external
// reference, so the payment is fetched from the API.
func (h *WebhookHandler) parseMercadoPago(ctx context.Context, body []byte, query map[string][]string) (*models.PaymentEvent, error) {
	var payload struct {
		Type string `json:"type"`
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}

	paymentID := ""
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, services.ErrMalformedNotification
		}
		if payload.Type != "" && payload.Type != "payment" {
			log.Printf("[WEBHOOK] Ignoring mercadopago notification type %q", payload.Type)
			return nil, nil
		}
		paymentID = payload.Data.ID.String()
	}

	if paymentID == "" {
		if topics := query["topic"]; len(topics) > 0 && topics[0] != "payment" {
			log.Printf("[WEBHOOK] Ignoring mercadopago topic %q", topics[0])
			return nil, nil
		}
		if ids := query["id"]; len(ids) > 0 {
			paymentID = ids[0]
		}
	}
	if paymentID == "" {
		return nil, services.ErrMalformedNotification
	}

	details, err := h.mercadopago.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	status := models.EventUnknown
	switch details.Status {
	case "approved", "accredited":
		status = models.EventApproved
	case "rejected", "cancelled", "refunded", "charged_back":
		status = models.EventFailed
	}

	return &models.PaymentEvent{
		Provider:          models.ProviderMercadoPago,
		ProviderPaymentID: details.ProviderPaymentID,
		Status:            status,
		ExternalReference: details.ExternalReference,
		PayerEmail:        details.PayerEmail,
		Raw:               body,
	}, nil
}
