// Package gateway reads checkout sessions back from the payment gateway so
// that triggers other than the signed webhook can confirm payment.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

// ErrSessionNotFound is returned when the gateway does not know the session.
var ErrSessionNotFound = errors.New("checkout session not found")

// Client fetches checkout sessions from the gateway API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client for the API rooted at baseURL, authenticated with apiKey.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Session returns the checkout session identified by paymentRef.
func (c *Client) Session(ctx context.Context, paymentRef string) (*webhook.Session, error) {
	if c.baseURL == "" {
		return nil, errors.New("gateway api url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(paymentRef), nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSessionNotFound
	default:
		return nil, fmt.Errorf("get session: unexpected status %d", resp.StatusCode)
	}

	var sess webhook.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.ID == "" {
		sess.ID = paymentRef
	}
	return &sess, nil
}

// Mock answers session lookups from memory. With allPaid every session is
// reported paid, which is how local development runs without a gateway.
type Mock struct {
	mu       sync.Mutex
	allPaid  bool
	sessions map[string]webhook.Session
}

// NewMock returns an empty Mock.
func NewMock(allPaid bool) *Mock {
	return &Mock{allPaid: allPaid, sessions: map[string]webhook.Session{}}
}

// SetPaid records paymentRef as paid with the buyer's email.
func (m *Mock) SetPaid(paymentRef, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[paymentRef] = webhook.Session{ID: paymentRef, PaymentStatus: "paid", CustomerEmail: email}
}

// Session implements the lookup. Unknown sessions are unpaid unless allPaid.
func (m *Mock) Session(_ context.Context, paymentRef string) (*webhook.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[paymentRef]; ok {
		return &s, nil
	}
	status := "unpaid"
	if m.allPaid {
		status = "paid"
	}
	return &webhook.Session{ID: paymentRef, PaymentStatus: status}, nil
}
