package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Incomplete   int `json:"incomplete"`
	Completed    int `json:"completed"`
	InProgress   int `json:"in_progress"`
	Failed       int `json:"failed"`
	NotifyOwed   int `json:"notify_owed"`
	Notified     int `json:"notified"`
	NotifyFailed int `json:"notify_failed"`
}

// Reconciler repairs orders left paid but incomplete and sends owed
// notifications. It only ever calls the Service entry points.
type Reconciler struct {
	svc    *Service
	orders *orders.Store
	logger *slog.Logger
}

// NewReconciler returns a Reconciler.
func NewReconciler(svc *Service, store *orders.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{svc: svc, orders: store, logger: logger}
}

// RunOnce performs a single pass. Per-order failures are counted and logged;
// only scan failures are returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	incomplete, err := r.orders.ScanIncomplete(ctx)
	if err != nil {
		return rep, fmt.Errorf("scan incomplete orders: %w", err)
	}
	rep.Incomplete = len(incomplete)
	for _, o := range incomplete {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := r.svc.Fulfill(ctx, Request{PaymentReference: o.PaymentReference, Source: SourceReconciler})
		if err != nil {
			rep.Failed++
			r.logger.ErrorContext(ctx, "reconcile fulfillment failed", "order_id", o.OrderID, "error", err)
			continue
		}
		switch res.Outcome {
		case OutcomeInProgress:
			rep.InProgress++
		default:
			rep.Completed++
		}
	}

	owed, err := r.orders.ScanNotificationOwed(ctx, r.svc.cfg.NotifyMaxAttempts)
	if err != nil {
		return rep, fmt.Errorf("scan owed notifications: %w", err)
	}
	rep.NotifyOwed = len(owed)
	for i := range owed {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		outcome, err := r.svc.notifyOrder(ctx, &owed[i])
		switch {
		case err != nil && errors.Is(err, ErrDeliveryFailed):
			rep.NotifyFailed++
		case err != nil:
			rep.NotifyFailed++
			r.logger.ErrorContext(ctx, "reconcile notification failed", "order_id", owed[i].OrderID, "error", err)
		case outcome == NotifySent || outcome == NotifyAlreadySent:
			rep.Notified++
		}
	}

	r.logger.InfoContext(ctx, "reconciliation pass finished",
		"incomplete", rep.Incomplete, "completed", rep.Completed, "in_progress", rep.InProgress,
		"failed", rep.Failed, "notify_owed", rep.NotifyOwed, "notified", rep.Notified, "notify_failed", rep.NotifyFailed)
	return rep, nil
}
