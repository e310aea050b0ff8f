package main

import (
	"context"

	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
)

// Notifier is the slice of the fulfillment service the worker drives.
type Notifier interface {
	NotifyOrder(ctx context.Context, orderID string) (fulfillment.NotifyOutcome, error)
}
