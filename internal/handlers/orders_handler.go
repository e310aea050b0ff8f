package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imrishuroy/giftlink-fulfillment/internal/cache"
	"github.com/imrishuroy/giftlink-fulfillment/internal/metrics"
	"github.com/imrishuroy/giftlink-fulfillment/internal/orders"
	"github.com/imrishuroy/giftlink-fulfillment/internal/validation"
)

// orderView is the public read projection of an order. Card content is never included.
type orderView struct {
	OrderID       string            `json:"order_id"`
	ProductType   string            `json:"product_type"`
	Status        string            `json:"status"`
	RecipientName string            `json:"recipient_name"`
	SenderName    string            `json:"sender_name,omitempty"`
	PublicSlug    string            `json:"public_slug,omitempty"`
	PublicURL     string            `json:"public_url,omitempty"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	FulfilledAt   *time.Time        `json:"fulfilled_at,omitempty"`
	Cards         []orders.CardView `json:"cards"`
}

// checkoutMetadata is what the caller attaches to the checkout session so the
// payment webhook can be matched and validated.
type checkoutMetadata struct {
	OrderID       string `json:"order_id"`
	ProductType   string `json:"product_type"`
	RecipientName string `json:"recipient_name"`
	SenderName    string `json:"sender_name,omitempty"`
	CardCount     string `json:"card_count"`
}

func (h *handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	orderID := uuid.NewString()
	order := orders.Order{
		OrderID:          orderID,
		PaymentReference: req.PaymentReference,
		ProductType:      req.ProductType,
		Status:           orders.StatusPending,
		RecipientName:    req.RecipientName,
		SenderName:       req.SenderName,
		ContactEmail:     req.ContactEmail,
	}
	cards := buildCards(orderID, req)

	claim, err := h.Refs.ClaimItem(req.PaymentReference, orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	err = h.Orders.Create(ctx, order, cards, claim)
	if errors.Is(err, orders.ErrDuplicateReference) {
		// a retried create returns the order that already owns the reference
		rec, getErr := h.Refs.Get(ctx, req.PaymentReference)
		if getErr != nil || rec == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reference_lookup_failed", "detail": fmt.Sprint(getErr)})
			return
		}
		existing, getErr := h.Orders.Get(ctx, rec.OrderID)
		if getErr != nil || existing == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed", "detail": fmt.Sprint(getErr)})
			return
		}
		c.JSON(http.StatusOK, createdResponse(existing, false))
		return
	}
	if err != nil {
		h.Logger.ErrorContext(ctx, "create order failed", "payment_reference", req.PaymentReference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "detail": err.Error()})
		return
	}

	h.Logger.InfoContext(ctx, "order created", "order_id", orderID, "payment_reference", req.PaymentReference, "product_type", req.ProductType)
	c.Header("Location", "/orders/"+orderID)
	c.JSON(http.StatusCreated, createdResponse(&order, true))
}

func buildCards(orderID string, req validation.CreateOrderRequest) []orders.Card {
	inputs := req.Cards
	if req.ProductType == orders.ProductMessage && req.Message != nil {
		inputs = []validation.CardInput{*req.Message}
	}
	cards := make([]orders.Card, 0, len(inputs))
	for i, in := range inputs {
		cards = append(cards, orders.Card{
			CardID:   uuid.NewString(),
			OrderID:  orderID,
			Position: i + 1,
			Status:   orders.CardClosed,
			Title:    in.Title,
			Body:     in.Body,
			MediaURL: in.MediaURL,
		})
	}
	return cards
}

func createdResponse(o *orders.Order, created bool) gin.H {
	count := 1
	if o.ProductType == orders.ProductCollection {
		count = orders.CollectionSize
	}
	return gin.H{
		"order_id": o.OrderID,
		"status":   o.PublicStatus(),
		"created":  created,
		"checkout_metadata": checkoutMetadata{
			OrderID:       o.OrderID,
			ProductType:   o.ProductType,
			RecipientName: o.RecipientName,
			SenderName:    o.SenderName,
			CardCount:     strconv.Itoa(count),
		},
	}
}

func (h *handler) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")
	key := cache.OrderStatusKey(orderID)

	view := h.cachedSummary(ctx, key)
	if view == nil {
		order, err := h.Orders.Get(ctx, orderID)
		if err != nil {
			writeError(c, err)
			return
		}
		if order == nil {
			writeError(c, orders.ErrNotFound)
			return
		}
		view = h.summary(order)
		// terminal order fields never change again; card state is always read live
		if view.Status == orders.PublicFulfilled || view.Status == orders.PublicFailed {
			h.cacheSummary(ctx, key, view)
		}
	}

	if err := h.attachCards(ctx, view); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) getBySlug(c *gin.Context) {
	ctx := c.Request.Context()
	slug := c.Param("slug")

	orderID, err := h.resolveSlug(ctx, slug)
	if err != nil {
		writeError(c, err)
		return
	}

	order, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if order == nil || !order.Fulfilled() {
		writeError(c, orders.ErrNotFound)
		return
	}

	view := h.summary(order)
	if err := h.attachCards(ctx, view); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// resolveSlug maps a slug to its order id. Slugs are immutable, so the
// mapping is cached without invalidation.
func (h *handler) resolveSlug(ctx context.Context, slug string) (string, error) {
	key := cache.SlugKey(slug)
	if data, ok, err := h.Cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	}

	rec, err := h.Orders.LookupSlug(ctx, slug)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", orders.ErrNotFound
	}
	if err := h.Cache.Set(ctx, key, []byte(rec.OrderID), h.CacheTTL); err != nil {
		h.Logger.WarnContext(ctx, "slug cache write failed", "slug", slug, "error", err)
	}
	return rec.OrderID, nil
}

func (h *handler) openCard(c *gin.Context) {
	ctx := c.Request.Context()
	cardID := c.Param("id")

	card, err := h.Orders.GetCard(ctx, cardID)
	if err != nil {
		writeError(c, err)
		return
	}
	if card == nil {
		writeError(c, orders.ErrNotFound)
		return
	}

	// cards of unfulfilled orders are not reachable through a public link yet
	order, err := h.Orders.Get(ctx, card.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if order == nil || !order.Fulfilled() {
		writeError(c, orders.ErrNotFound)
		return
	}

	view, alreadyOpened, err := h.Orders.OpenCard(ctx, cardID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !alreadyOpened {
		h.Metrics.Incr(ctx, metrics.CardOpened, map[string]string{"product": order.ProductType})
	}

	c.JSON(http.StatusOK, gin.H{"card": view, "already_opened": alreadyOpened})
}

func (h *handler) summary(o *orders.Order) *orderView {
	v := &orderView{
		OrderID:       o.OrderID,
		ProductType:   o.ProductType,
		Status:        o.PublicStatus(),
		RecipientName: o.RecipientName,
		SenderName:    o.SenderName,
	}
	if o.Fulfilled() {
		v.PublicSlug = o.PublicSlug
		v.PublicURL = h.Fulfillment.PublicURL(o.PublicSlug)
		v.ArtifactRef = o.ArtifactRef
		v.FulfilledAt = o.FulfilledAt
	}
	return v
}

func (h *handler) attachCards(ctx context.Context, v *orderView) error {
	cards, err := h.Orders.ListCards(ctx, v.OrderID)
	if err != nil {
		return err
	}
	v.Cards = make([]orders.CardView, 0, len(cards))
	for i := range cards {
		v.Cards = append(v.Cards, cards[i].Metadata())
	}
	return nil
}

// cachedSummary returns the cached order-level view, or nil on a miss.
func (h *handler) cachedSummary(ctx context.Context, key string) *orderView {
	data, ok, err := h.Cache.Get(ctx, key)
	if err != nil {
		h.Logger.WarnContext(ctx, "status cache read failed", "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var v orderView
	if err := json.Unmarshal(data, &v); err != nil || v.OrderID == "" {
		return nil
	}
	return &v
}

// cacheSummary stores v without its cards.
func (h *handler) cacheSummary(ctx context.Context, key string, v *orderView) {
	data, err := json.Marshal(orderView{
		OrderID:       v.OrderID,
		ProductType:   v.ProductType,
		Status:        v.Status,
		RecipientName: v.RecipientName,
		SenderName:    v.SenderName,
		PublicSlug:    v.PublicSlug,
		PublicURL:     v.PublicURL,
		ArtifactRef:   v.ArtifactRef,
		FulfilledAt:   v.FulfilledAt,
	})
	if err != nil {
		return
	}
	if err := h.Cache.Set(ctx, key, data, h.CacheTTL); err != nil {
		h.Logger.WarnContext(ctx, "status cache write failed", "order_id", v.OrderID, "error", err)
	}
}
