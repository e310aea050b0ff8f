package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/validation"
	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

const maxWebhookBody = 1 << 20

// triggerFulfillment is the client-side trigger used by the post-checkout poller.
func (h *handler) triggerFulfillment(c *gin.Context) {
	var req validation.FulfillmentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		return
	}

	res, err := h.Fulfillment.Fulfill(c.Request.Context(), fulfillment.Request{
		PaymentReference: req.PaymentReference,
		ContactEmail:     req.ContactEmail,
		Source:           fulfillment.SourceClient,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentWebhook verifies and dispatches gateway events. Any non-2xx reply
// makes the gateway redeliver, so only retryable failures return 5xx.
func (h *handler) paymentWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "detail": err.Error()})
		return
	}

	if err := h.Verifier.Verify(payload, c.GetHeader(webhook.SignatureHeader)); err != nil {
		h.Logger.WarnContext(ctx, "webhook rejected", "error", err)
		h.Metrics.Incr(ctx, metrics.WebhookRejected, nil)
		writeError(c, err)
		return
	}

	ev, err := webhook.Parse(payload)
	if err != nil {
		writeError(c, err)
		return
	}
	session := ev.Data.Object
	log := h.Logger.With("event_id", ev.ID, "event_type", ev.Type, "payment_reference", session.ID)

	switch ev.Type {
	case webhook.EventCheckoutCompleted, webhook.EventAsyncPaymentSucceeded:
		if ev.Type == webhook.EventCheckoutCompleted && !session.Paid() {
			// delayed payment methods finish with async_payment_succeeded
			log.InfoContext(ctx, "checkout completed unpaid; awaiting async payment", "payment_status", session.PaymentStatus)
			c.JSON(http.StatusOK, gin.H{"received": true, "action": "awaiting_payment"})
			return
		}

		md, err := session.ParseMetadata(h.validate)
		if err != nil {
			log.WarnContext(ctx, "webhook metadata rejected", "error", err)
			h.Metrics.Incr(ctx, metrics.WebhookRejected, map[string]string{"reason": "metadata"})
			writeError(c, err)
			return
		}

		email := session.Email()
		if email != "" && h.validate.Var(email, "email") != nil {
			// fulfill anyway; the buyer can still supply an address on the client path
			log.WarnContext(ctx, "webhook contact email dropped", "reason", "invalid_email")
			email = ""
		}

		res, err := h.Fulfillment.Fulfill(ctx, fulfillment.Request{
			PaymentReference: session.ID,
			ContactEmail:     email,
			ProductType:      md.ProductType,
			Source:           fulfillment.SourceWebhook,
		})
		if err != nil {
			if !errors.Is(err, fulfillment.ErrUpstream) {
				log.WarnContext(ctx, "webhook fulfillment refused", "error", err)
			}
			writeError(c, err)
			return
		}
		if res.OrderID != md.OrderID {
			log.WarnContext(ctx, "metadata order id differs from reference owner", "metadata_order_id", md.OrderID, "order_id", res.OrderID)
		}
		c.JSON(http.StatusOK, res)

	case webhook.EventCheckoutExpired, webhook.EventAsyncPaymentFailed:
		if err := h.Fulfillment.MarkFailed(ctx, session.ID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "action": "marked_failed"})

	default:
		log.DebugContext(ctx, "webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"received": true, "action": "ignored"})
	}
}
