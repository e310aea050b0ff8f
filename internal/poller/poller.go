// Package poller implements the success-page fallback: poll the order status
// and, if the payment webhook has not landed within a grace period, trigger
// fulfillment once through the public endpoint.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Public order statuses reported by the API.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFulfilled  = "fulfilled"
	StatusFailed     = "failed"
)

var (
	// ErrNotFound is returned when the API does not know the order or reference.
	ErrNotFound = errors.New("order not found")
	// ErrOrderFailed is returned when the order ended failed.
	ErrOrderFailed = errors.New("order failed")
)

// Status is the public order state.
type Status struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	PublicSlug  string `json:"public_slug,omitempty"`
	PublicURL   string `json:"public_url,omitempty"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Client is the API surface the poller uses. It never touches storage.
type Client interface {
	OrderStatus(ctx context.Context, orderID string) (*Status, error)
	TriggerFulfillment(ctx context.Context, paymentRef string) (*Status, error)
}

// Config tunes polling.
type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
}

// Poller waits for an order to become fulfilled.
type Poller struct {
	client  Client
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New returns a Poller. Zero config values default to a 1s interval and a 5s grace period.
func New(client Client, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{client: client, cfg: cfg, logger: logger, nowFunc: time.Now}
}

// Await polls until the order is fulfilled, failed, unknown, or ctx ends.
// After the grace period it triggers fulfillment at most once.
func (p *Poller) Await(ctx context.Context, orderID, paymentRef string) (*Status, error) {
	start := p.nowFunc()
	triggered := false
	var last *Status

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		st, err := p.client.OrderStatus(ctx, orderID)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, err
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			p.logger.WarnContext(ctx, "status poll failed", "order_id", orderID, "error", err)
		default:
			last = st
			if done, err := terminal(st); done {
				return st, err
			}
		}

		if !triggered && p.nowFunc().Sub(start) >= p.cfg.GracePeriod {
			triggered = true
			p.logger.InfoContext(ctx, "grace period elapsed, triggering fulfillment", "order_id", orderID)
			st, err := p.client.TriggerFulfillment(ctx, paymentRef)
			switch {
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrOrderFailed):
				return last, err
			case err != nil:
				p.logger.WarnContext(ctx, "fallback trigger failed", "order_id", orderID, "error", err)
			default:
				last = st
				if done, err := terminal(st); done {
					return st, err
				}
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminal(st *Status) (bool, error) {
	if st == nil {
		return false, nil
	}
	switch st.Status {
	case StatusFulfilled:
		return true, nil
	case StatusFailed:
		return true, fmt.Errorf("%w: %s", ErrOrderFailed, st.OrderID)
	}
	return false, nil
}
