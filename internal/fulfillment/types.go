package fulfillment

import (
	"time"

	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
)

// Trigger sources, used in logs and metric dimensions.
const (
	SourceWebhook    = "webhook"
	SourceClient     = "client"
	SourceReconciler = "reconciler"
	SourceOperator   = "operator"
)

// Outcome describes what a Fulfill call observed.
type Outcome string

const (
	// OutcomeFulfilled means this call completed the fulfillment.
	OutcomeFulfilled Outcome = "fulfilled"
	// OutcomeAlreadyFulfilled means an earlier call completed it; nothing was regenerated.
	OutcomeAlreadyFulfilled Outcome = "already_fulfilled"
	// OutcomeInProgress means another caller holds the fulfillment lease.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeAwaitingPayment means the gateway has not confirmed payment; nothing was written.
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
)

// NotifyOutcome describes what a notification pass did.
type NotifyOutcome string

const (
	NotifySent           NotifyOutcome = "sent"
	NotifyAlreadySent    NotifyOutcome = "already_sent"
	NotifySkipped        NotifyOutcome = "skipped"
	NotifyNotReady       NotifyOutcome = "not_ready"
	NotifyInProgress     NotifyOutcome = "in_progress"
	NotifyRetryScheduled NotifyOutcome = "retry_scheduled"
	NotifyExhausted      NotifyOutcome = "exhausted"
)

// Request is a fulfillment trigger.
type Request struct {
	PaymentReference string
	// ContactEmail overrides the order's notification address when set.
	ContactEmail string
	// ProductType, when set, must match the order's product type.
	ProductType string
	Source      string
}

// Result is the order's public fulfillment state after a Fulfill call.
type Result struct {
	OrderID      string        `json:"order_id"`
	Status       string        `json:"status"`
	PublicSlug   string        `json:"public_slug,omitempty"`
	PublicURL    string        `json:"public_url,omitempty"`
	ArtifactRef  string        `json:"artifact_ref,omitempty"`
	FulfilledAt  *time.Time    `json:"fulfilled_at,omitempty"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	Notification NotifyOutcome `json:"notification,omitempty"`
}

// RetryMessage is the SQS body of a delayed notification retry.
type RetryMessage struct {
	OrderID string `json:"order_id"`
	Attempt int    `json:"attempt"`
}

// Config tunes the orchestrator.
type Config struct {
	PublicBaseURL     string
	LeaseTTL          time.Duration
	NotifyClaimTTL    time.Duration
	NotifyMaxAttempts int
	RetryBaseDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.NotifyClaimTTL <= 0 {
		c.NotifyClaimTTL = time.Minute
	}
	if c.NotifyMaxAttempts <= 0 {
		c.NotifyMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	return c
}

func (s *Service) result(o *orders.Order, outcome Outcome) *Result {
	r := &Result{
		OrderID:     o.OrderID,
		Status:      o.PublicStatus(),
		Outcome:     outcome,
		FulfilledAt: o.FulfilledAt,
	}
	// half-fulfilled state is never exposed
	if o.Fulfilled() {
		r.PublicSlug = o.PublicSlug
		r.PublicURL = s.PublicURL(o.PublicSlug)
		r.ArtifactRef = o.ArtifactRef
	}
	return r
}
