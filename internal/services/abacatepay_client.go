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

// AbacatePayClient creates one-time Pix/card billings. The purchase ID rides
// in the billing metadata and comes back on the webhook, so no follow-up
// fetch is needed for AbacatePay notifications.
type AbacatePayClient struct {
	baseURL    string
	apiKey     string
	returnURL  string
	httpClient *http.Client
}

func NewAbacatePayClient() *AbacatePayClient {
	viper.SetDefault("abacatepay.base_url", "https://api.abacatepay.com/v1")
	viper.SetDefault("abacatepay.return_url", "https://burocratadebolso.com.br/retorno")

	return &AbacatePayClient{
		baseURL:    viper.GetString("abacatepay.base_url"),
		apiKey:     viper.GetString("abacatepay.api_key"),
		returnURL:  viper.GetString("abacatepay.return_url"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *AbacatePayClient) Name() string {
	return models.ProviderAbacatePay
}

func (c *AbacatePayClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Checkout, error) {
	payload := map[string]any{
		"frequency": "ONE_TIME",
		"methods":   []string{"PIX", "CARD"},
		"products": []map[string]any{
			{
				"externalId": req.PurchaseID,
				"name":       req.Description,
				"quantity":   1,
				"price":      int64(req.Amount * 100), // centavos
			},
		},
		"returnUrl": c.returnURL,
		"customer": map[string]string{
			"email": req.PayerEmail,
			"name":  req.PayerName,
			"taxId": req.PayerTaxID,
		},
		"metadata": map[string]string{
			"purchase_id": req.PurchaseID,
			"package":     req.Package,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/billing/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[ABACATEPAY] Create billing request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[ABACATEPAY] Create billing returned status %d", resp.StatusCode)
		return nil, fmt.Errorf("abacatepay returned status %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	checkout := &Checkout{
		ProviderPaymentID: result.Data.ID,
		RedirectURL:       result.Data.URL,
	}

	if checkout.RedirectURL != "" {
		if img, err := renderPixQRImage(checkout.RedirectURL); err == nil {
			checkout.QRImage = img
		} else {
			log.Printf("[ABACATEPAY] Failed to render QR image: %v", err)
		}
	}

	log.Printf("[ABACATEPAY] Billing created: %s for purchase %s", checkout.ProviderPaymentID, req.PurchaseID)
	return checkout, nil
}
