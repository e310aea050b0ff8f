package validation

// CardInput is one card of a new order.
type CardInput struct {
	Title    string `json:"title" validate:"max=120"`
	Body     string `json:"body" validate:"required,max=4000"`
	MediaURL string `json:"media_url,omitempty" validate:"omitempty,url,max=2048"`
}

// CreateOrderRequest is the payload for POST /orders.
type CreateOrderRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
	ProductType      string `json:"product_type" validate:"required,oneof=message card-collection"`
	RecipientName    string `json:"recipient_name" validate:"required,max=80"`
	SenderName       string `json:"sender_name,omitempty" validate:"max=80"`
	ContactEmail     string `json:"contact_email,omitempty" validate:"omitempty,email,max=254"`

	// Message is set for message orders, Cards (exactly 12) for collections.
	Message *CardInput  `json:"message,omitempty"`
	Cards   []CardInput `json:"cards,omitempty"`
}

// FulfillmentRequest is the payload for POST /fulfillments.
type FulfillmentRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
	ContactEmail     string `json:"contact_email,omitempty" validate:"omitempty,email,max=254"`
}

// WebhookMetadata is the checkout session metadata attached at order creation.
// ProductType selects which of the variant-specific fields are required.
type WebhookMetadata struct {
	OrderID       string `json:"order_id" validate:"required,uuid"`
	ProductType   string `json:"product_type" validate:"required,oneof=message card-collection"`
	RecipientName string `json:"recipient_name" validate:"required,max=80"`
	SenderName    string `json:"sender_name,omitempty" validate:"max=80"`
	CardCount     int    `json:"card_count,omitempty"`
}
