package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/giftlink-fulfillment/internal/validation"
)

// Handled event types.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// ErrInvalidPayload is returned for undecodable events or metadata that does
// not match its declared product type.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is the gateway envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object Session `json:"object"`
	} `json:"data"`
}

// Session is the checkout session carried by checkout events.
type Session struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *CustomerDetails  `json:"customer_details"`
	Metadata        map[string]string `json:"metadata"`
}

// CustomerDetails is the buyer information collected at checkout.
type CustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Email returns the buyer address collected at checkout, if any.
func (s Session) Email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

// Paid reports whether the session's funds are captured. Delayed payment
// methods complete the session unpaid and succeed later; a missing status is unpaid.
func (s Session) Paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// Parse decodes a verified payload.
func Parse(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	return &ev, nil
}

// ParseMetadata decodes and validates the session metadata as the variant named by
// its product_type. Unknown or inconsistent metadata is rejected.
func (s Session) ParseMetadata(v *validatorv10.Validate) (validation.WebhookMetadata, error) {
	md := validation.WebhookMetadata{
		OrderID:       s.Metadata["order_id"],
		ProductType:   s.Metadata["product_type"],
		RecipientName: s.Metadata["recipient_name"],
		SenderName:    s.Metadata["sender_name"],
	}
	if raw, ok := s.Metadata["card_count"]; ok {
		if err := json.Unmarshal([]byte(raw), &md.CardCount); err != nil {
			return md, fmt.Errorf("%w: card_count: %v", ErrInvalidPayload, err)
		}
	}
	if s.ID == "" {
		return md, fmt.Errorf("%w: missing session id", ErrInvalidPayload)
	}
	if err := v.Struct(md); err != nil {
		return md, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return md, nil
}
