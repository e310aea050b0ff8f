package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/giftlink-fulfillment/internal/validation"
)

const secret = "whsec_test"

func TestVerify(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	payload := []byte(`{"type":"checkout.session.completed"}`)
	v := NewVerifier(secret, 5*time.Minute)
	v.nowFunc = func() time.Time { return now }

	require.NoError(t, v.Verify(payload, Sign(secret, now.Add(-time.Minute), payload)))

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"wrong secret", Sign("other", now, payload)},
		{"stale", Sign(secret, now.Add(-10*time.Minute), payload)},
		{"future", Sign(secret, now.Add(10*time.Minute), payload)},
		{"tampered payload", Sign(secret, now, []byte(`{"type":"x"}`))},
		{"no v1", "t=1760000000"},
		{"garbage", "t=abc,v1=zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(payload, tt.header), ErrInvalidSignature)
		})
	}
}

func TestVerify_AcceptsAnyMatchingV1(t *testing.T) {
	now := time.Now()
	payload := []byte(`{}`)
	header := Sign(secret, now, payload) + ",v1=deadbeef"
	require.NoError(t, NewVerifier(secret, time.Minute).Verify(payload, header))
}

func TestVerify_RequiresSecret(t *testing.T) {
	now := time.Now()
	payload := []byte(`{}`)
	assert.ErrorIs(t, NewVerifier("", time.Minute).Verify(payload, Sign("", now, payload)), ErrInvalidSignature)
}

func TestParseAndMetadata(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_123",
			"payment_status": "paid",
			"customer_details": {"email": "buyer@example.com"},
			"metadata": {
				"order_id": "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
				"product_type": "card-collection",
				"recipient_name": "Ana",
				"card_count": "12"
			}
		}}
	}`)

	ev, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	sess := ev.Data.Object
	assert.Equal(t, "buyer@example.com", sess.Email())
	assert.True(t, sess.Paid())

	md, err := sess.ParseMetadata(validation.New())
	require.NoError(t, err)
	assert.Equal(t, "card-collection", md.ProductType)
	assert.Equal(t, 12, md.CardCount)
}

func TestParseMetadata_RejectsMalformed(t *testing.T) {
	v := validation.New()
	base := map[string]string{
		"order_id":       "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		"product_type":   "message",
		"recipient_name": "Ana",
	}
	_, err := Session{ID: "cs_1", Metadata: base}.ParseMetadata(v)
	require.NoError(t, err)

	cases := map[string]func(m map[string]string){
		"unknown product":     func(m map[string]string) { m["product_type"] = "poster" },
		"collection no count": func(m map[string]string) { m["product_type"] = "card-collection" },
		"bad count":           func(m map[string]string) { m["card_count"] = "twelve" },
		"missing order":       func(m map[string]string) { delete(m, "order_id") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := map[string]string{}
			for k, v := range base {
				m[k] = v
			}
			mutate(m)
			_, err := Session{ID: "cs_1", Metadata: m}.ParseMetadata(v)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = Parse([]byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSessionPaid_RequiresExplicitStatus(t *testing.T) {
	for status, want := range map[string]bool{
		"":                    false,
		"unpaid":              false,
		"paid":                true,
		"no_payment_required": true,
	} {
		assert.Equal(t, want, Session{ID: "cs_1", PaymentStatus: status}.Paid(), "payment_status %q", status)
	}
}
