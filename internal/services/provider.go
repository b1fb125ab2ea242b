package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"

	"github.com/skip2/go-qrcode"
)

// CreatePaymentRequest is everything a provider needs to create a checkout.
// PurchaseID travels to the provider as the external reference and must come
// back on every notification for that payment.
type CreatePaymentRequest struct {
	PurchaseID  string
	Package     string
	Description string
	Amount      float64
	PayerEmail  string
	PayerName   string
	PayerTaxID  string
}

// Checkout is the provider's answer: a hosted payment page, a Pix
// copy-paste code, or both.
type Checkout struct {
	ProviderPaymentID string `json:"providerPaymentId"`
	RedirectURL       string `json:"checkoutUrl,omitempty"`
	PixCode           string `json:"pixCode,omitempty"`
	// QRImage is the Pix code rendered as a base64 PNG for the storefront.
	QRImage string `json:"qrImage,omitempty"`
}

// PaymentProviderClient is the outbound side of a payment provider: a thin,
// stateless wrapper over its HTTP API.
type PaymentProviderClient interface {
	Name() string
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Checkout, error)
}

// PaymentDetails is a provider's view of one payment, fetched when the
// webhook body carries only a payment ID.
type PaymentDetails struct {
	ProviderPaymentID string
	Status            string
	ExternalReference string
	PayerEmail        string
}

func renderPixQRImage(pixCode string) (string, error) {
	qr, err := qrcode.New(pixCode, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
