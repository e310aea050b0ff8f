package validation

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func collectionCards(n int) []CardInput {
	cards := make([]CardInput, 0, n)
	for i := 0; i < n; i++ {
		cards = append(cards, CardInput{Title: fmt.Sprintf("Card %d", i+1), Body: "remember when"})
	}
	return cards
}

func TestCreateOrderRequest_ValidMessage(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		PaymentReference: "cs_test_1",
		ProductType:      "message",
		RecipientName:    "Ana",
		ContactEmail:     "buyer@example.com",
		Message:          &CardInput{Body: "happy birthday"},
	}

	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_ValidCollection(t *testing.T) {
	v := New()

	req := CreateOrderRequest{
		PaymentReference: "cs_test_2",
		ProductType:      "card-collection",
		RecipientName:    "Ana",
		Cards:            collectionCards(12),
	}

	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_VariantRules(t *testing.T) {
	v := New()

	tests := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"message without message", CreateOrderRequest{PaymentReference: "cs", ProductType: "message", RecipientName: "Ana"}},
		{"message with empty body", CreateOrderRequest{PaymentReference: "cs", ProductType: "message", RecipientName: "Ana", Message: &CardInput{}}},
		{"message with cards", CreateOrderRequest{PaymentReference: "cs", ProductType: "message", RecipientName: "Ana", Message: &CardInput{Body: "x"}, Cards: collectionCards(1)}},
		{"collection of 11", CreateOrderRequest{PaymentReference: "cs", ProductType: "card-collection", RecipientName: "Ana", Cards: collectionCards(11)}},
		{"collection with blank card", CreateOrderRequest{PaymentReference: "cs", ProductType: "card-collection", RecipientName: "Ana", Cards: append(collectionCards(11), CardInput{})}},
		{"unknown product", CreateOrderRequest{PaymentReference: "cs", ProductType: "poster", RecipientName: "Ana"}},
		{"bad email", CreateOrderRequest{PaymentReference: "cs", ProductType: "message", RecipientName: "Ana", ContactEmail: "nope", Message: &CardInput{Body: "x"}}},
		{"missing reference", CreateOrderRequest{ProductType: "message", RecipientName: "Ana", Message: &CardInput{Body: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Struct(tt.req); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestWebhookMetadata(t *testing.T) {
	v := New()

	ok := WebhookMetadata{OrderID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301", ProductType: "card-collection", RecipientName: "Ana", CardCount: 12}
	if err := v.Struct(ok); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}

	bad := []WebhookMetadata{
		{OrderID: "not-a-uuid", ProductType: "message", RecipientName: "Ana"},
		{OrderID: ok.OrderID, ProductType: "card-collection", RecipientName: "Ana", CardCount: 3},
		{OrderID: ok.OrderID, ProductType: "message", RecipientName: "Ana", CardCount: 12},
		{OrderID: ok.OrderID, ProductType: "", RecipientName: "Ana"},
	}
	for i, md := range bad {
		if err := v.Struct(md); err == nil {
			t.Fatalf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestBindAndValidate_WritesFieldErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/fulfillments", strings.NewReader(`{"contact_email":"nope"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req FulfillmentRequest
	if err := BindAndValidate(c, &req, v); err == nil {
		t.Fatal("expected error")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	for _, want := range []string{`"payment_reference":"required"`, `"contact_email":"email"`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("missing %s in %s", want, w.Body.String())
		}
	}
}

func TestFieldErrors_UsesJSONPaths(t *testing.T) {
	v := New()

	err := v.Struct(CreateOrderRequest{
		PaymentReference: "cs",
		ProductType:      "message",
		RecipientName:    strings.Repeat("x", 81),
		Message:          &CardInput{MediaURL: "not a url"},
	})
	fields := FieldErrors(err)

	want := map[string]string{
		"recipient_name":    "max=80",
		"message.body":      "required",
		"message.media_url": "url",
	}
	for k, rule := range want {
		if fields[k] != rule {
			t.Errorf("fields[%q] = %q, want %q (all: %v)", k, fields[k], rule, fields)
		}
	}
}
