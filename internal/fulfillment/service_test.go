package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/giftlink-fulfillment/internal/attempts"
	"github.com/imrishuroy/giftlink-fulfillment/internal/dynamotest"
	"github.com/imrishuroy/giftlink-fulfillment/internal/gateway"
	"github.com/imrishuroy/giftlink-fulfillment/internal/idempotency"
	"github.com/imrishuroy/giftlink-fulfillment/internal/notify"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
	"github.com/imrishuroy/giftlink-fulfillment/internal/slug"
	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

type fakeArtifacts struct {
	mu       sync.Mutex
	calls    int
	failures int
	urls     map[string]string
}

func (f *fakeArtifacts) Generate(_ context.Context, publicURL, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("object store unavailable")
	}
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	f.urls[orderID] = publicURL
	return "qr/" + orderID + ".png", nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []notify.Request
	attempts int
	failures int
}

func (f *fakeNotifier) Send(_ context.Context, req notify.Request) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.To == "" {
		return notify.Result{Skipped: true}, nil
	}
	f.attempts++
	if f.failures != 0 {
		f.failures--
		return notify.Result{}, errors.New("provider throttled")
	}
	f.sent = append(f.sent, req)
	return notify.Result{MessageID: "msg-" + req.To}, nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type queued struct {
	body  string
	delay int32
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []queued
}

func (f *fakeQueue) SendMessage(_ context.Context, body string, delaySeconds int32, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, queued{body: body, delay: delaySeconds})
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	fake      *dynamotest.Fake
	clock     *clock
	orders    *orders.Store
	refs      *idempotency.Store
	attempts  *attempts.Store
	artifacts *fakeArtifacts
	notifier  *fakeNotifier
	payments  *gateway.Mock
	queue     *fakeQueue
	svc       *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	fake := dynamotest.New(map[string]dynamotest.Table{
		"orders": {HashKey: "order_id"},
		"cards": {HashKey: "card_id", Indexes: map[string]dynamotest.Index{
			orders.CardsByOrderIndex: {HashKey: "order_id", SortKey: "position"},
		}},
		"slugs":                 {HashKey: "slug"},
		"payment_refs":          {HashKey: "payment_reference"},
		"notification_attempts": {HashKey: "order_id", SortKey: "attempt_id"},
	})
	clk := &clock{now: time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		fake:      fake,
		clock:     clk,
		orders:    orders.NewStore(fake, orders.Tables{Orders: "orders", Cards: "cards", Slugs: "slugs"}).WithClock(clk.Now),
		refs:      idempotency.NewStore(fake, "payment_refs"),
		attempts:  attempts.NewStore(fake, "notification_attempts"),
		artifacts: &fakeArtifacts{},
		notifier:  &fakeNotifier{},
		payments:  gateway.NewMock(true),
		queue:     &fakeQueue{},
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://gift.example.com/"
	}
	h.svc = NewService(Deps{
		Orders:    h.orders,
		Refs:      h.refs,
		Attempts:  h.attempts,
		Slugs:     slug.NewAllocator(0),
		Artifacts: h.artifacts,
		Notifier:  h.notifier,
		Payments:  h.payments,
		Retries:   h.queue,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return h
}

func (h *harness) createOrder(t *testing.T, orderID, ref, recipient, email string) {
	t.Helper()
	claim, err := h.refs.ClaimItem(ref, orderID)
	require.NoError(t, err)
	order := orders.Order{
		OrderID:          orderID,
		PaymentReference: ref,
		ProductType:      orders.ProductMessage,
		RecipientName:    recipient,
		SenderName:       "Sam",
		ContactEmail:     email,
	}
	cards := []orders.Card{{CardID: orderID + "-1", OrderID: orderID, Position: 1, Body: "happy birthday"}}
	require.NoError(t, h.orders.Create(context.Background(), order, cards, claim))
}

func (h *harness) sentAttempts(t *testing.T, orderID string) int {
	t.Helper()
	list, err := h.attempts.List(context.Background(), orderID)
	require.NoError(t, err)
	n := 0
	for _, a := range list {
		if a.Status == attempts.StatusSent {
			n++
		}
	}
	return n
}

func TestFulfill_UnknownReferenceWritesNothing(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.svc.Fulfill(context.Background(), Request{PaymentReference: "pr_missing", ContactEmail: "x@example.com"})
	require.ErrorIs(t, err, ErrOrderNotFound)
	assert.Nil(t, res)

	for _, op := range []string{"PutItem", "UpdateItem", "TransactWriteItems"} {
		assert.Zero(t, h.fake.Calls[op], op)
	}
	assert.Zero(t, h.fake.Count("orders"))
	assert.Zero(t, h.fake.Count("cards"))
	assert.Zero(t, h.artifacts.calls)
}

func TestFulfill_FirstCallCompletesEverything(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o1", "pr_1", "Ana María", "buyer@example.com")

	res, err := h.svc.Fulfill(context.Background(), Request{PaymentReference: "pr_1", Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	assert.Equal(t, orders.PublicFulfilled, res.Status)
	assert.Equal(t, "ana-maria", res.PublicSlug)
	assert.Equal(t, "https://gift.example.com/s/ana-maria", res.PublicURL)
	assert.Equal(t, "qr/o1.png", res.ArtifactRef)
	assert.Equal(t, NotifySent, res.Notification)
	assert.Equal(t, res.PublicURL, h.artifacts.urls["o1"])

	rec, err := h.orders.LookupSlug(context.Background(), "ana-maria")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "o1", rec.OrderID)

	order, err := h.orders.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, order.Fulfilled())
	assert.Empty(t, order.LeaseToken)
	require.NotNil(t, order.NotifiedAt)
	assert.Equal(t, "msg-buyer@example.com", order.NotificationMessageID)
	assert.Equal(t, 1, h.sentAttempts(t, "o1"))
}

func TestFulfill_RepeatShortCircuits(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o1", "pr_1", "Ana", "buyer@example.com")
	ctx := context.Background()

	first, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_1"})
	require.NoError(t, err)
	second, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyFulfilled, second.Outcome)
	assert.Equal(t, first.PublicSlug, second.PublicSlug)
	assert.Equal(t, first.ArtifactRef, second.ArtifactRef)
	assert.Equal(t, 1, h.artifacts.calls)
	assert.Equal(t, 1, h.notifier.sentCount())
	assert.Equal(t, 1, h.fake.Count("slugs"))
}

// Webhook and client fallback race for the same reference.
func TestFulfill_WebhookAndClientRace(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o1", "pr_1", "Ana", "")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, req := range []Request{
		{PaymentReference: "pr_1", ContactEmail: "buyer@example.com", Source: SourceWebhook},
		{PaymentReference: "pr_1", Source: SourceClient},
	} {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Fulfill(context.Background(), req)
		}(i, req)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	order, err := h.orders.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, order.Status)
	assert.True(t, order.Fulfilled())
	assert.Equal(t, 1, h.fake.Count("slugs"))
	assert.Equal(t, 1, h.artifacts.calls)
	assert.LessOrEqual(t, h.sentAttempts(t, "o1"), 1)
	assert.LessOrEqual(t, h.notifier.sentCount(), 1)
}

func TestFulfill_ConcurrentStormIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o1", "pr_1", "Ana", "buyer@example.com")

	const callers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Fulfill(context.Background(), Request{PaymentReference: "pr_1", Source: SourceClient})
			if err != nil {
				t.Errorf("fulfill: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeFulfilled])
	assert.Equal(t, callers-1, outcomes[OutcomeAlreadyFulfilled]+outcomes[OutcomeInProgress])
	assert.Equal(t, 1, h.fake.Count("slugs"))
	assert.Equal(t, 1, h.artifacts.calls)
	assert.Equal(t, 1, h.notifier.sentCount())
	assert.Equal(t, 1, h.sentAttempts(t, "o1"))
}

// Artifact generation fails once; the retry resumes with the persisted slug.
func TestFulfill_ResumesAfterArtifactFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.artifacts.failures = 1
	h.createOrder(t, "o2", "pr_2", "Ana", "buyer@example.com")
	ctx := context.Background()

	_, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_2"})
	require.ErrorIs(t, err, ErrUpstream)

	order, err := h.orders.Get(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, order.Status)
	assert.Equal(t, "ana", order.PublicSlug)
	assert.Empty(t, order.ArtifactRef)
	assert.Nil(t, order.FulfilledAt)
	assert.Empty(t, order.LeaseToken, "lease released on failure")
	assert.Equal(t, orders.PublicProcessing, order.PublicStatus())
	assert.Zero(t, h.notifier.sentCount())

	status, err := h.svc.Status(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, orders.PublicProcessing, status.Status)
	assert.Empty(t, status.PublicSlug, "half-fulfilled state is not exposed")

	transactions := h.fake.Calls["TransactWriteItems"]
	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	assert.Equal(t, "ana", res.PublicSlug)
	assert.Equal(t, "qr/o2.png", res.ArtifactRef)
	assert.Equal(t, NotifySent, res.Notification)
	assert.Equal(t, transactions, h.fake.Calls["TransactWriteItems"], "slug not reallocated")
	assert.Equal(t, 1, h.fake.Count("slugs"))
	assert.Equal(t, 1, h.notifier.sentCount())
}

func TestFulfill_TakesOverExpiredLease(t *testing.T) {
	h := newHarness(t, Config{LeaseTTL: 2 * time.Minute})
	h.createOrder(t, "o3", "pr_3", "Ana", "")
	ctx := context.Background()

	// a previous caller flipped the status and died
	require.NoError(t, h.orders.MarkPaid(ctx, "o3", "crashed-token", 2*time.Minute))

	h.clock.Advance(time.Minute)
	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Equal(t, orders.PublicProcessing, res.Status)
	assert.Zero(t, h.artifacts.calls)

	h.clock.Advance(2 * time.Minute)
	res, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	assert.Equal(t, NotifySkipped, res.Notification)
	assert.Equal(t, 1, h.artifacts.calls)
}

func TestFulfill_NotificationFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.notifier.failures = 1
	h.createOrder(t, "o4", "pr_4", "Ana", "buyer@example.com")
	ctx := context.Background()

	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_4"})
	require.NoError(t, err, "notification failure does not fail fulfillment")
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	assert.Equal(t, NotifyRetryScheduled, res.Notification)

	list, err := h.attempts.List(ctx, "o4")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, attempts.StatusFailed, list[0].Status)
	assert.Equal(t, "provider throttled", list[0].Error)

	require.Len(t, h.queue.messages, 1)
	assert.Equal(t, int32(30), h.queue.messages[0].delay)
	var msg RetryMessage
	require.NoError(t, json.Unmarshal([]byte(h.queue.messages[0].body), &msg))
	assert.Equal(t, RetryMessage{OrderID: "o4", Attempt: 2}, msg)

	outcome, err := h.svc.NotifyOrder(ctx, msg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, NotifySent, outcome)

	outcome, err = h.svc.NotifyOrder(ctx, msg.OrderID)
	require.NoError(t, err)
	assert.Equal(t, NotifyAlreadySent, outcome)
	assert.Equal(t, 1, h.notifier.sentCount())
	assert.Equal(t, 1, h.sentAttempts(t, "o4"))
}

func TestNotifyOrder_StopsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{NotifyMaxAttempts: 2})
	h.notifier.failures = -1
	h.createOrder(t, "o5", "pr_5", "Ana", "buyer@example.com")
	ctx := context.Background()

	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_5"})
	require.NoError(t, err)
	assert.Equal(t, NotifyRetryScheduled, res.Notification)

	outcome, err := h.svc.NotifyOrder(ctx, "o5")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, NotifyExhausted, outcome)

	outcome, err = h.svc.NotifyOrder(ctx, "o5")
	require.NoError(t, err)
	assert.Equal(t, NotifyExhausted, outcome)

	assert.Equal(t, 2, h.notifier.attempts)
	assert.Len(t, h.queue.messages, 1)
}

func TestNotifyOrder_RecoversLostMarkNotified(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o6", "pr_6", "Ana", "")
	ctx := context.Background()

	_, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_6"})
	require.NoError(t, err)
	require.NoError(t, h.orders.SetContact(ctx, "o6", "buyer@example.com"))

	// an earlier sender delivered but crashed before recording it on the order
	_, err = h.attempts.Append(ctx, attempts.Attempt{OrderID: "o6", Status: attempts.StatusSent, ProviderMessageID: "msg-early"})
	require.NoError(t, err)

	outcome, err := h.svc.NotifyOrder(ctx, "o6")
	require.NoError(t, err)
	assert.Equal(t, NotifyAlreadySent, outcome)
	assert.Zero(t, h.notifier.sentCount())

	order, err := h.orders.Get(ctx, "o6")
	require.NoError(t, err)
	assert.Equal(t, "msg-early", order.NotificationMessageID)
}

func TestFulfill_LateContactTriggersOwedNotification(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o7", "pr_7", "Ana", "")
	ctx := context.Background()

	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_7", Source: SourceClient})
	require.NoError(t, err)
	assert.Equal(t, NotifySkipped, res.Notification)

	res, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_7", ContactEmail: "buyer@example.com", Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyFulfilled, res.Outcome)
	assert.Equal(t, NotifySent, res.Notification)

	res, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_7", ContactEmail: "other@example.com", Source: SourceWebhook})
	require.NoError(t, err)
	assert.Empty(t, res.Notification)
	assert.Equal(t, 1, h.notifier.sentCount())
}

func TestFulfill_FailedOrderAndProductMismatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.createOrder(t, "o8", "pr_8", "Ana", "")
	h.createOrder(t, "o9", "pr_9", "Ana", "")
	ctx := context.Background()

	require.NoError(t, h.svc.MarkFailed(ctx, "pr_8"))
	_, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_8"})
	require.ErrorIs(t, err, ErrOrderFailed)

	_, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_9", ProductType: orders.ProductCollection})
	require.ErrorIs(t, err, ErrProductMismatch)
	order, err := h.orders.Get(ctx, "o9")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, order.Status)

	_, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_9", ProductType: orders.ProductMessage})
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkFailed(ctx, "pr_9"), "failure after payment is ignored")
	order, err = h.orders.Get(ctx, "o9")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, order.Status)

	require.ErrorIs(t, h.svc.MarkFailed(ctx, "pr_unknown"), ErrOrderNotFound)
}

func TestRetryDelay(t *testing.T) {
	svc := NewService(Deps{}, Config{})
	assert.Equal(t, 30*time.Second, svc.retryDelay(1))
	assert.Equal(t, 60*time.Second, svc.retryDelay(2))
	assert.Equal(t, 120*time.Second, svc.retryDelay(3))
	assert.Equal(t, 900*time.Second, svc.retryDelay(12))
}

type failingPayments struct{}

func (failingPayments) Session(context.Context, string) (*webhook.Session, error) {
	return nil, errors.New("gateway unavailable")
}

func TestFulfill_ClientTriggerWaitsForGatewayPayment(t *testing.T) {
	h := newHarness(t, Config{})
	h.payments = gateway.NewMock(false)
	h.svc.payments = h.payments
	h.createOrder(t, "o1", "pr_1", "Ana", "")
	ctx := context.Background()
	writes := h.fake.Calls["UpdateItem"] + h.fake.Calls["TransactWriteItems"] + h.fake.Calls["PutItem"]

	res, err := h.svc.Fulfill(ctx, Request{PaymentReference: "pr_1", ContactEmail: "buyer@example.com", Source: SourceClient})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingPayment, res.Outcome)
	assert.Equal(t, orders.PublicPending, res.Status)
	assert.Empty(t, res.PublicURL)

	assert.Equal(t, writes, h.fake.Calls["UpdateItem"]+h.fake.Calls["TransactWriteItems"]+h.fake.Calls["PutItem"])
	assert.Zero(t, h.fake.Count("slugs"))
	assert.Zero(t, h.artifacts.calls)
	stored, err := h.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, stored.Status)
	assert.Empty(t, stored.ContactEmail)

	// once the gateway reports the session paid the same trigger fulfills,
	// notifying the address collected at checkout
	h.payments.SetPaid("pr_1", "checkout@example.com")
	res, err = h.svc.Fulfill(ctx, Request{PaymentReference: "pr_1", Source: SourceClient})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
	require.Equal(t, 1, h.notifier.sentCount())
	assert.Equal(t, "checkout@example.com", h.notifier.sent[0].To)
}

func TestFulfill_GatewayFailureWritesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.payments = failingPayments{}
	h.createOrder(t, "o1", "pr_1", "Ana", "buyer@example.com")

	_, err := h.svc.Fulfill(context.Background(), Request{PaymentReference: "pr_1", Source: SourceOperator})
	require.ErrorIs(t, err, ErrUpstream)

	stored, err := h.orders.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, stored.Status)
	assert.Zero(t, h.artifacts.calls)
}

func TestFulfill_WebhookDoesNotConsultGateway(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.payments = failingPayments{}
	h.createOrder(t, "o1", "pr_1", "Ana", "")

	res, err := h.svc.Fulfill(context.Background(), Request{PaymentReference: "pr_1", Source: SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, res.Outcome)
}
