package orders

import "time"

// Order statuses. Transitions are forward only: pending -> paid, pending -> failed.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// Public statuses reported to readers. A paid order whose fulfillment has not
// completed is reported as processing, never as half-fulfilled.
const (
	PublicPending    = "pending"
	PublicProcessing = "processing"
	PublicFulfilled  = "fulfilled"
	PublicFailed     = "failed"
)

// Product types.
const (
	ProductMessage    = "message"
	ProductCollection = "card-collection"
)

// CollectionSize is the fixed number of cards in a card collection.
const CollectionSize = 12

// Card statuses.
const (
	CardClosed = "closed"
	CardOpened = "opened"
)

// Order represents the item stored in the orders table.
type Order struct {
	OrderID          string `dynamodbav:"order_id"` // PK
	PaymentReference string `dynamodbav:"payment_reference"`
	ProductType      string `dynamodbav:"product_type"`
	Status           string `dynamodbav:"status"`
	RecipientName    string `dynamodbav:"recipient_name"`
	SenderName       string `dynamodbav:"sender_name,omitempty"`
	ContactEmail     string `dynamodbav:"contact_email,omitempty"`

	PublicSlug  string     `dynamodbav:"public_slug,omitempty"`
	ArtifactRef string     `dynamodbav:"artifact_ref,omitempty"`
	FulfilledAt *time.Time `dynamodbav:"fulfilled_at,omitempty"`

	// fulfillment lease, unix millis
	LeaseToken string `dynamodbav:"lease_token,omitempty"`
	LeaseUntil int64  `dynamodbav:"lease_until,omitempty"`

	NotifyClaimUntil      int64      `dynamodbav:"notify_claim_until,omitempty"` // unix millis
	NotifiedAt            *time.Time `dynamodbav:"notified_at,omitempty"`
	NotificationMessageID string     `dynamodbav:"notification_message_id,omitempty"`
	NotifyAttempts        int        `dynamodbav:"notify_attempts,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// Fulfilled reports whether every fulfillment side effect has been persisted.
func (o *Order) Fulfilled() bool {
	return o.Status == StatusPaid && o.FulfilledAt != nil && o.PublicSlug != "" && o.ArtifactRef != ""
}

// PublicStatus is the status readers are allowed to observe.
func (o *Order) PublicStatus() string {
	switch o.Status {
	case StatusFailed:
		return PublicFailed
	case StatusPaid:
		if o.Fulfilled() {
			return PublicFulfilled
		}
		return PublicProcessing
	default:
		return PublicPending
	}
}

// Card is one disclosable unit of content belonging to an order. Message
// orders carry a single card at position 1.
type Card struct {
	CardID   string     `dynamodbav:"card_id"` // PK
	OrderID  string     `dynamodbav:"order_id"`
	Position int        `dynamodbav:"position"`
	Status   string     `dynamodbav:"status"`
	OpenedAt *time.Time `dynamodbav:"opened_at,omitempty"`

	Title    string `dynamodbav:"title,omitempty"`
	Body     string `dynamodbav:"body,omitempty"`
	MediaURL string `dynamodbav:"media_url,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at"`
}

// CardView is the public projection of a card. Content fields are only
// populated on the single disclosure.
type CardView struct {
	CardID   string     `json:"card_id"`
	Position int        `json:"position"`
	Status   string     `json:"status"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
	Title    string     `json:"title,omitempty"`
	Body     string     `json:"body,omitempty"`
	MediaURL string     `json:"media_url,omitempty"`
}

// Metadata returns the content-free projection.
func (c *Card) Metadata() CardView {
	return CardView{
		CardID:   c.CardID,
		Position: c.Position,
		Status:   c.Status,
		OpenedAt: c.OpenedAt,
	}
}

// Full returns the projection including content.
func (c *Card) Full() CardView {
	v := c.Metadata()
	v.Title = c.Title
	v.Body = c.Body
	v.MediaURL = c.MediaURL
	return v
}

// SlugRecord maps a public slug to its order.
type SlugRecord struct {
	Slug      string    `dynamodbav:"slug"` // PK
	OrderID   string    `dynamodbav:"order_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}
