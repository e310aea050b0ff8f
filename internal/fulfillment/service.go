// Package fulfillment drives paid orders to exactly-once fulfillment: slug,
// QR artifact and buyer notification.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/imrishuroy/giftlink-fulfillment/internal/attempts"
	"github.com/imrishuroy/giftlink-fulfillment/internal/gateway"
	"github.com/imrishuroy/giftlink-fulfillment/internal/idempotency"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/notify"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
	"github.com/imrishuroy/giftlink-fulfillment/internal/slug"
	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

var (
	// ErrOrderNotFound is returned when no order carries the payment reference.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUpstream wraps a retryable slug, artifact or storage failure.
	ErrUpstream = errors.New("upstream failure")
	// ErrOrderFailed is returned for orders the gateway marked failed.
	ErrOrderFailed = errors.New("order payment failed")
	// ErrProductMismatch is returned when the trigger's product type differs from the order's.
	ErrProductMismatch = errors.New("product type mismatch")
	// ErrDeliveryFailed wraps a failed notification send.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// ArtifactGenerator renders and stores the QR code for a public URL.
type ArtifactGenerator interface {
	Generate(ctx context.Context, publicURL, orderID string) (string, error)
}

// Notifier delivers one notification attempt.
type Notifier interface {
	Send(ctx context.Context, req notify.Request) (notify.Result, error)
}

// Payments reads a checkout session back from the gateway.
type Payments interface {
	Session(ctx context.Context, paymentRef string) (*webhook.Session, error)
}

// RetryQueue schedules delayed notification retries.
type RetryQueue interface {
	SendMessage(ctx context.Context, body string, delaySeconds int32, attributes map[string]string) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Orders    *orders.Store
	Refs      *idempotency.Store
	Attempts  *attempts.Store
	Slugs     *slug.Allocator
	Artifacts ArtifactGenerator
	Notifier  Notifier
	Payments  Payments
	Retries   RetryQueue
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

// Service is the fulfillment orchestrator. It holds no per-order state; all
// coordination happens through conditional writes on the orders table.
type Service struct {
	orders    *orders.Store
	refs      *idempotency.Store
	attempts  *attempts.Store
	slugs     *slug.Allocator
	artifacts ArtifactGenerator
	notifier  Notifier
	payments  Payments
	retries   RetryQueue
	metrics   metrics.Recorder
	logger    *slog.Logger
	cfg       Config
	newToken  func() string
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		orders:    deps.Orders,
		refs:      deps.Refs,
		attempts:  deps.Attempts,
		slugs:     deps.Slugs,
		artifacts: deps.Artifacts,
		notifier:  deps.Notifier,
		payments:  deps.Payments,
		retries:   deps.Retries,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
		newToken:  uuid.NewString,
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.slugs == nil {
		s.slugs = slug.NewAllocator(0)
	}
	return s
}

// PublicURL returns the shareable URL of a slug.
func (s *Service) PublicURL(publicSlug string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/s/" + publicSlug
}

// Fulfill drives the order identified by req.PaymentReference to fulfillment.
// It is safe to call any number of times, concurrently, from any trigger
// source: only the caller holding the fulfillment lease generates the slug
// and artifact, and the buyer is notified at most once. Triggers other than
// the signed webhook may only move a pending order once the gateway reports
// its session paid.
func (s *Service) Fulfill(ctx context.Context, req Request) (*Result, error) {
	log := s.logger.With("payment_reference", req.PaymentReference, "source", req.Source)

	order, err := s.resolve(ctx, req.PaymentReference)
	if err != nil {
		return nil, err
	}
	log = log.With("order_id", order.OrderID)

	if req.ProductType != "" && req.ProductType != order.ProductType {
		return nil, fmt.Errorf("%w: order is %s, trigger says %s", ErrProductMismatch, order.ProductType, req.ProductType)
	}

	if req.Source != SourceWebhook && order.Status == orders.StatusPending {
		sess, err := s.lookupPayment(ctx, req.PaymentReference)
		if err != nil {
			return nil, err
		}
		if sess == nil || !sess.Paid() {
			log.InfoContext(ctx, "payment not confirmed by gateway")
			return s.result(order, OutcomeAwaitingPayment), nil
		}
		if req.ContactEmail == "" {
			req.ContactEmail = sess.Email()
		}
	}

	contactChanged := false
	if req.ContactEmail != "" && req.ContactEmail != order.ContactEmail && order.NotifiedAt == nil {
		switch err := s.orders.SetContact(ctx, order.OrderID, req.ContactEmail); {
		case err == nil:
			order.ContactEmail = req.ContactEmail
			contactChanged = true
		case errors.Is(err, orders.ErrStatusMismatch):
			// notified concurrently; the original address stands
		default:
			return nil, fmt.Errorf("%w: set contact: %w", ErrUpstream, err)
		}
	}

	token := s.newToken()
	err = s.orders.MarkPaid(ctx, order.OrderID, token, s.cfg.LeaseTTL)
	switch {
	case err == nil:
		log.InfoContext(ctx, "order marked paid")
	case errors.Is(err, orders.ErrStatusMismatch):
		res, resume, err := s.afterLostTransition(ctx, order.OrderID, token, contactChanged)
		if err != nil || !resume {
			return res, err
		}
		log.InfoContext(ctx, "resuming incomplete fulfillment")
	default:
		return nil, fmt.Errorf("%w: mark paid: %w", ErrUpstream, err)
	}

	orderID := order.OrderID
	order, err = s.orders.Get(ctx, orderID)
	if err != nil || order == nil {
		s.release(ctx, orderID, token)
		if err == nil {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: reload order: %w", ErrUpstream, err)
	}
	return s.complete(ctx, order, token, req.Source)
}

// lookupPayment returns the gateway session, or nil when it cannot vouch for
// the payment (no gateway configured or unknown session).
func (s *Service) lookupPayment(ctx context.Context, paymentRef string) (*webhook.Session, error) {
	if s.payments == nil {
		return nil, nil
	}
	sess, err := s.payments.Session(ctx, paymentRef)
	if errors.Is(err, gateway.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: verify payment: %w", ErrUpstream, err)
	}
	return sess, nil
}

func (s *Service) resolve(ctx context.Context, paymentRef string) (*orders.Order, error) {
	if paymentRef == "" {
		return nil, ErrOrderNotFound
	}
	rec, err := s.refs.Get(ctx, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve payment reference: %w", ErrUpstream, err)
	}
	if rec == nil {
		return nil, ErrOrderNotFound
	}
	order, err := s.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %w", ErrUpstream, err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// afterLostTransition handles a caller that did not flip pending -> paid.
// resume is true when the caller took over the lease of an incomplete order.
func (s *Service) afterLostTransition(ctx context.Context, orderID, token string, contactChanged bool) (*Result, bool, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get order: %w", ErrUpstream, err)
	}
	if order == nil {
		return nil, false, ErrOrderNotFound
	}

	switch {
	case order.Status == orders.StatusFailed:
		return nil, false, ErrOrderFailed
	case order.Fulfilled():
		s.metrics.Incr(ctx, metrics.FulfillmentConflict, map[string]string{"outcome": string(OutcomeAlreadyFulfilled)})
		res := s.result(order, OutcomeAlreadyFulfilled)
		if contactChanged {
			// first address for this order; the owed notification goes out now
			res.Notification = s.notify(ctx, order)
		}
		return res, false, nil
	case order.Status != orders.StatusPaid:
		return nil, false, fmt.Errorf("%w: order %s in unexpected status %q", ErrUpstream, orderID, order.Status)
	}

	err = s.orders.AcquireLease(ctx, orderID, token, s.cfg.LeaseTTL)
	if errors.Is(err, orders.ErrLeaseHeld) {
		s.metrics.Incr(ctx, metrics.FulfillmentConflict, map[string]string{"outcome": string(OutcomeInProgress)})
		return s.result(order, OutcomeInProgress), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: acquire lease: %w", ErrUpstream, err)
	}
	return nil, true, nil
}

// complete runs the side effects of a paid order. The caller holds the lease.
func (s *Service) complete(ctx context.Context, order *orders.Order, token, source string) (*Result, error) {
	log := s.logger.With("order_id", order.OrderID, "source", source)

	publicSlug := order.PublicSlug
	if publicSlug == "" {
		var err error
		publicSlug, err = s.slugs.Allocate(ctx, order.RecipientName, order.OrderID, func(ctx context.Context, candidate string) error {
			err := s.orders.ClaimSlug(ctx, order.OrderID, candidate, token)
			if errors.Is(err, orders.ErrSlugTaken) {
				return slug.ErrTaken
			}
			return err
		})
		if errors.Is(err, orders.ErrLeaseLost) {
			return s.lostLease(ctx, order.OrderID)
		}
		if err != nil {
			s.release(ctx, order.OrderID, token)
			s.metrics.Incr(ctx, metrics.FulfillmentUpstream, map[string]string{"step": "slug"})
			return nil, fmt.Errorf("%w: allocate slug: %w", ErrUpstream, err)
		}
		log.InfoContext(ctx, "slug allocated", "slug", publicSlug)
	}

	ref, err := s.artifacts.Generate(ctx, s.PublicURL(publicSlug), order.OrderID)
	if err != nil {
		s.release(ctx, order.OrderID, token)
		s.metrics.Incr(ctx, metrics.FulfillmentUpstream, map[string]string{"step": "artifact"})
		log.ErrorContext(ctx, "artifact generation failed", "error", err)
		return nil, fmt.Errorf("%w: generate artifact: %w", ErrUpstream, err)
	}

	done, err := s.orders.CompleteFulfillment(ctx, order.OrderID, ref, token)
	if errors.Is(err, orders.ErrLeaseLost) {
		return s.lostLease(ctx, order.OrderID)
	}
	if err != nil {
		s.release(ctx, order.OrderID, token)
		return nil, fmt.Errorf("%w: complete fulfillment: %w", ErrUpstream, err)
	}

	log.InfoContext(ctx, "order fulfilled", "slug", done.PublicSlug, "artifact_ref", done.ArtifactRef)
	s.metrics.Incr(ctx, metrics.FulfillmentCompleted, map[string]string{"source": source, "product": done.ProductType})

	res := s.result(done, OutcomeFulfilled)
	res.Notification = s.notify(ctx, done)
	return res, nil
}

// lostLease reports the state left by whoever took over an expired lease.
func (s *Service) lostLease(ctx context.Context, orderID string) (*Result, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %w", ErrUpstream, err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Fulfilled() {
		return s.result(order, OutcomeAlreadyFulfilled), nil
	}
	return s.result(order, OutcomeInProgress), nil
}

func (s *Service) release(ctx context.Context, orderID, token string) {
	if err := s.orders.ReleaseLease(context.WithoutCancel(ctx), orderID, token); err != nil {
		s.logger.WarnContext(ctx, "release lease failed; it will expire", "order_id", orderID, "error", err)
	}
}

// MarkFailed records an explicit gateway failure for a pending order.
// Orders that were already paid are left untouched.
func (s *Service) MarkFailed(ctx context.Context, paymentRef string) error {
	order, err := s.resolve(ctx, paymentRef)
	if err != nil {
		return err
	}
	err = s.orders.MarkFailed(ctx, order.OrderID)
	if errors.Is(err, orders.ErrStatusMismatch) {
		s.logger.InfoContext(ctx, "failure signal ignored", "order_id", order.OrderID, "status", order.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: mark failed: %w", ErrUpstream, err)
	}
	s.logger.InfoContext(ctx, "order marked failed", "order_id", order.OrderID)
	return nil
}

// Status returns the reader-visible state of an order by id.
func (s *Service) Status(ctx context.Context, orderID string) (*Result, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %w", ErrUpstream, err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.result(order, ""), nil
}
