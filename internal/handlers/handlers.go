package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/giftlink-fulfillment/internal/cache"
	"github.com/imrishuroy/giftlink-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/giftlink-fulfillment/internal/idempotency"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
	"github.com/imrishuroy/giftlink-fulfillment/internal/validation"
	"github.com/imrishuroy/giftlink-fulfillment/internal/webhook"
)

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Orders      *orders.Store
	Refs        *idempotency.Store
	Fulfillment *fulfillment.Service
	Verifier    *webhook.Verifier
	Cache       cache.Cache
	CacheTTL    time.Duration
	Metrics     metrics.Recorder
	Logger      *slog.Logger
}

type handler struct {
	HandlerConfig
	validate *validatorv10.Validate
}

func newHandler(cfg HandlerConfig) *handler {
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &handler{HandlerConfig: cfg, validate: validation.New()}
}

// RegisterRoutes registers every API route on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := newHandler(cfg)

	r.POST("/orders", h.createOrder)
	r.GET("/orders/:id", h.getOrder)
	r.GET("/s/:slug", h.getBySlug)
	r.POST("/cards/:id/open", h.openCard)
	r.POST("/fulfillments", h.triggerFulfillment)
	r.POST("/webhooks/payment", h.paymentWebhook)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, fulfillment.ErrOrderNotFound), errors.Is(err, orders.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, webhook.ErrInvalidSignature):
		status, code = http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, webhook.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, fulfillment.ErrProductMismatch):
		status, code = http.StatusBadRequest, "product_mismatch"
	case errors.Is(err, fulfillment.ErrOrderFailed):
		status, code = http.StatusConflict, "order_failed"
	case errors.Is(err, fulfillment.ErrUpstream):
		status, code = http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}
