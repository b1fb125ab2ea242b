package models

// EventStatus is the normalized provider payment status. Provider payloads
// report ad-hoc strings; the gateway maps them onto this closed set, with
// EventUnknown as the explicit catch-all instead of silent pass-through.
type EventStatus string

const (
	EventApproved EventStatus = "approved"
	EventFailed   EventStatus = "failed"
	EventUnknown  EventStatus = "unknown"
)

// Payment providers accepted on the webhook path.
const (
	ProviderMercadoPago = "mercadopago"
	ProviderAbacatePay  = "abacatepay"
)

// PaymentEvent is a canonical webhook notification. It is transient: events
// are never persisted as rows, only their effect on accounts and purchases.
type PaymentEvent struct {
	Provider          string      `json:"provider"`
	ProviderPaymentID string      `json:"providerPaymentId"`
	Status            EventStatus `json:"status"`
	// ExternalReference carries the purchase ID supplied at checkout
	// creation. Events without a resolvable reference are discarded.
	ExternalReference string `json:"externalReference"`
	PayerEmail        string `json:"payerEmail,omitempty"`
	// Raw is the provider payload as received, kept for audit logging.
	Raw []byte `json:"-"`
}
