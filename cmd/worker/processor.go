package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
)

// Processor consumes delayed notification retries from SQS.
type Processor struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(notifier Notifier, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{notifier: notifier, logger: logger}
}

// Handle processes a batch and reports failed records individually, so one bad
// message does not redeliver the whole batch.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.ErrorContext(ctx, "worker error", "message_id", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg fulfillment.RetryMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.OrderID == "" {
		return errors.New("invalid message body: missing order_id")
	}

	log := p.logger.With("order_id", msg.OrderID, "attempt", msg.Attempt)
	outcome, err := p.notifier.NotifyOrder(ctx, msg.OrderID)
	switch {
	case err == nil:
		log.InfoContext(ctx, "notification retry processed", "outcome", outcome)
		return nil
	case errors.Is(err, fulfillment.ErrDeliveryFailed):
		// the service already recorded the attempt and scheduled the next one
		log.WarnContext(ctx, "notification retry failed", "outcome", outcome, "error", err)
		return nil
	case errors.Is(err, fulfillment.ErrOrderNotFound):
		log.WarnContext(ctx, "retry for unknown order dropped")
		return nil
	default:
		return fmt.Errorf("notify order %s: %w", msg.OrderID, err)
	}
}
