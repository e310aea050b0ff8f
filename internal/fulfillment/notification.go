package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/imrishuroy/giftlink-fulfillment/internal/attempts"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/notify"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
)

const maxRetryDelay = 900 * time.Second

// NotifyOrder sends the buyer notification of a fulfilled order if one is
// still owed. A failed send is recorded, scheduled for retry while attempts
// remain, and reported as ErrDeliveryFailed.
func (s *Service) NotifyOrder(ctx context.Context, orderID string) (NotifyOutcome, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("%w: get order: %w", ErrUpstream, err)
	}
	if order == nil {
		return "", ErrOrderNotFound
	}
	return s.notifyOrder(ctx, order)
}

// notify runs a notification pass after fulfillment. Failures never reach the
// fulfillment caller; the public link works without the email.
func (s *Service) notify(ctx context.Context, order *orders.Order) NotifyOutcome {
	outcome, err := s.notifyOrder(ctx, order)
	if err != nil {
		s.logger.WarnContext(ctx, "notification not delivered",
			"order_id", order.OrderID, "outcome", outcome, "error", err)
	}
	return outcome
}

func (s *Service) notifyOrder(ctx context.Context, order *orders.Order) (NotifyOutcome, error) {
	switch {
	case !order.Fulfilled():
		return NotifyNotReady, nil
	case order.NotifiedAt != nil:
		return NotifyAlreadySent, nil
	case order.ContactEmail == "":
		return NotifySkipped, nil
	case order.NotifyAttempts >= s.cfg.NotifyMaxAttempts:
		return NotifyExhausted, nil
	}

	err := s.orders.ClaimNotification(ctx, order.OrderID, s.cfg.NotifyClaimTTL)
	if errors.Is(err, orders.ErrStatusMismatch) {
		return NotifyInProgress, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: claim notification: %w", ErrUpstream, err)
	}

	// a send may have succeeded before its MarkNotified was lost
	if prior, err := s.sentAttempt(ctx, order.OrderID); err != nil {
		s.releaseClaimOnly(ctx, order.OrderID)
		return "", err
	} else if prior != nil {
		if err := s.orders.MarkNotified(ctx, order.OrderID, prior.ProviderMessageID); err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
			return "", fmt.Errorf("%w: mark notified: %w", ErrUpstream, err)
		}
		return NotifyAlreadySent, nil
	}

	res, sendErr := s.notifier.Send(ctx, notify.Request{
		To:            order.ContactEmail,
		RecipientName: order.RecipientName,
		SenderName:    order.SenderName,
		PublicURL:     s.PublicURL(order.PublicSlug),
		ArtifactRef:   order.ArtifactRef,
		Collection:    order.ProductType == orders.ProductCollection,
	})
	if sendErr == nil && res.Skipped {
		s.releaseClaimOnly(ctx, order.OrderID)
		return NotifySkipped, nil
	}
	if sendErr == nil {
		return s.recordSent(ctx, order, res.MessageID)
	}
	return s.recordFailed(ctx, order, sendErr)
}

func (s *Service) recordSent(ctx context.Context, order *orders.Order, messageID string) (NotifyOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.attempts.Append(ctx, attempts.Attempt{
		OrderID:           order.OrderID,
		Status:            attempts.StatusSent,
		ProviderMessageID: messageID,
	}); err != nil {
		s.logger.ErrorContext(ctx, "append sent attempt failed", "order_id", order.OrderID, "error", err)
	}
	if err := s.orders.MarkNotified(ctx, order.OrderID, messageID); err != nil && !errors.Is(err, orders.ErrStatusMismatch) {
		return NotifySent, fmt.Errorf("%w: mark notified: %w", ErrUpstream, err)
	}
	s.logger.InfoContext(ctx, "notification sent", "order_id", order.OrderID, "message_id", messageID)
	s.metrics.Incr(ctx, metrics.NotificationSent, nil)
	return NotifySent, nil
}

func (s *Service) recordFailed(ctx context.Context, order *orders.Order, sendErr error) (NotifyOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	s.metrics.Incr(ctx, metrics.NotificationFailed, nil)
	if _, err := s.attempts.Append(ctx, attempts.Attempt{
		OrderID: order.OrderID,
		Status:  attempts.StatusFailed,
		Error:   sendErr.Error(),
	}); err != nil {
		s.logger.ErrorContext(ctx, "append failed attempt failed", "order_id", order.OrderID, "error", err)
	}

	failures, err := s.orders.ReleaseNotification(ctx, order.OrderID)
	if err != nil {
		return "", fmt.Errorf("%w: release notification: %w (send error: %v)", ErrUpstream, err, sendErr)
	}
	if failures >= s.cfg.NotifyMaxAttempts {
		s.logger.ErrorContext(ctx, "notification attempts exhausted", "order_id", order.OrderID, "attempts", failures)
		return NotifyExhausted, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}
	if err := s.scheduleRetry(ctx, order.OrderID, failures); err != nil {
		// the reconciler picks up owed notifications
		s.logger.ErrorContext(ctx, "schedule notification retry failed", "order_id", order.OrderID, "error", err)
	}
	return NotifyRetryScheduled, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
}

func (s *Service) sentAttempt(ctx context.Context, orderID string) (*attempts.Attempt, error) {
	list, err := s.attempts.List(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: list attempts: %w", ErrUpstream, err)
	}
	for i := range list {
		if list[i].Status == attempts.StatusSent {
			return &list[i], nil
		}
	}
	return nil, nil
}

func (s *Service) scheduleRetry(ctx context.Context, orderID string, failures int) error {
	if s.retries == nil {
		return errors.New("no retry queue configured")
	}
	body, err := json.Marshal(RetryMessage{OrderID: orderID, Attempt: failures + 1})
	if err != nil {
		return fmt.Errorf("marshal retry message: %w", err)
	}
	delay := s.retryDelay(failures)
	return s.retries.SendMessage(ctx, string(body), int32(delay/time.Second), map[string]string{
		"order_id": orderID,
		"attempt":  strconv.Itoa(failures + 1),
	})
}

// retryDelay is RetryBaseDelay doubled per prior failure, capped at the SQS maximum.
func (s *Service) retryDelay(failures int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 1; i < failures && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// releaseClaimOnly lets another sender try immediately without counting a failure.
func (s *Service) releaseClaimOnly(ctx context.Context, orderID string) {
	if err := s.orders.DropNotificationClaim(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger.WarnContext(ctx, "drop notification claim failed; it will expire", "order_id", orderID, "error", err)
	}
}
