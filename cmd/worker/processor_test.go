package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
)

type stubNotifier struct {
	calls   []string
	results map[string]error
}

func (s *stubNotifier) NotifyOrder(_ context.Context, orderID string) (fulfillment.NotifyOutcome, error) {
	s.calls = append(s.calls, orderID)
	if err := s.results[orderID]; err != nil {
		return fulfillment.NotifyRetryScheduled, err
	}
	return fulfillment.NotifySent, nil
}

func message(t *testing.T, id, orderID string) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(fulfillment.RetryMessage{OrderID: orderID, Attempt: 2})
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func newProcessor(n Notifier) *Processor {
	return NewProcessor(n, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWorkerProcess_Success(t *testing.T) {
	n := &stubNotifier{}
	p := newProcessor(n)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{message(t, "m1", "o1")}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, []string{"o1"}, n.calls)
}

func TestWorkerProcess_DeliveryFailureIsAcked(t *testing.T) {
	n := &stubNotifier{results: map[string]error{
		"o1": fmt.Errorf("%w: throttled", fulfillment.ErrDeliveryFailed),
		"o2": fulfillment.ErrOrderNotFound,
	}}
	p := newProcessor(n)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", "o1"),
		message(t, "m2", "o2"),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestWorkerProcess_StorageFailureIsRedelivered(t *testing.T) {
	n := &stubNotifier{results: map[string]error{
		"o2": fmt.Errorf("%w: dynamo unavailable", fulfillment.ErrUpstream),
	}}
	p := newProcessor(n)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", "o1"),
		message(t, "m2", "o2"),
		{MessageId: "m3", Body: "not json"},
		{MessageId: "m4", Body: `{"attempt":1}`},
	}})
	require.NoError(t, err)

	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, failed)
	assert.Equal(t, []string{"o1", "o2"}, n.calls)
}
