package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/burocratadebolso/backend/internal/models"
	"github.com/spf13/viper"
)

// MercadoPagoClient creates Pix payments and fetches payment details.
// Mercado Pago webhooks only carry the payment ID, so the notification
// gateway calls GetPayment to learn the status and external reference.
type MercadoPagoClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewMercadoPagoClient() *MercadoPagoClient {
	viper.SetDefault("mercadopago.base_url", "https://api.mercadopago.com")

	return &MercadoPagoClient{
		baseURL:     viper.GetString("mercadopago.base_url"),
		accessToken: viper.GetString("mercadopago.access_token"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *MercadoPagoClient) Name() string {
	return models.ProviderMercadoPago
}

func (c *MercadoPagoClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Checkout, error) {
	payload := map[string]any{
		"transaction_amount": req.Amount,
		"description":        req.Description,
		"payment_method_id":  "pix",
		"external_reference": req.PurchaseID,
		"payer": map[string]string{
			"email": req.PayerEmail,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	// Provider-side idempotency: retrying the same purchase must not
	// create a second payment.
	httpReq.Header.Set("X-Idempotency-Key", req.PurchaseID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[MERCADOPAGO] Create payment request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[MERCADOPAGO] Create payment returned status %d", resp.StatusCode)
		return nil, fmt.Errorf("mercadopago returned status %d", resp.StatusCode)
	}

	var result struct {
		ID                 json.Number `json:"id"`
		PointOfInteraction struct {
			TransactionData struct {
				QRCode    string `json:"qr_code"`
				TicketURL string `json:"ticket_url"`
			} `json:"transaction_data"`
		} `json:"point_of_interaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	checkout := &Checkout{
		ProviderPaymentID: result.ID.String(),
		RedirectURL:       result.PointOfInteraction.TransactionData.TicketURL,
		PixCode:           result.PointOfInteraction.TransactionData.QRCode,
	}

	if checkout.PixCode != "" {
		if img, err := renderPixQRImage(checkout.PixCode); err == nil {
			checkout.QRImage = img
		} else {
			log.Printf("[MERCADOPAGO] Failed to render Pix QR image: %v", err)
		}
	}

	log.Printf("[MERCADOPAGO] Payment created: %s for purchase %s", checkout.ProviderPaymentID, req.PurchaseID)
	return checkout, nil
}

// GetPayment fetches status, external reference and payer email for a
// payment ID reported by a webhook.
func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*PaymentDetails, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, paymentID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[MERCADOPAGO] Get payment request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[MERCADOPAGO] Get payment %s returned status %d", paymentID, resp.StatusCode)
		return nil, fmt.Errorf("mercadopago returned status %d", resp.StatusCode)
	}

	var result struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		ExternalReference string      `json:"external_reference"`
		Payer             struct {
			Email string `json:"email"`
		} `json:"payer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &PaymentDetails{
		ProviderPaymentID: result.ID.String(),
		Status:            result.Status,
		ExternalReference: result.ExternalReference,
		PayerEmail:        result.Payer.Email,
	}, nil
}
