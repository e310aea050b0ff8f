// Package artifact renders and stores the QR code that encodes an order's public URL.
package artifact

import (
	"context"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// ContentType of stored artifacts.
	ContentType = "image/png"
	imageSize   = 512
)

// ObjectStore is the write side of the artifact bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Generator encodes URLs as QR images and persists them.
type Generator struct {
	store   ObjectStore
	timeout time.Duration
}

// NewGenerator returns a Generator writing through store. Each store call is
// bounded by timeout.
func NewGenerator(store ObjectStore, timeout time.Duration) *Generator {
	return &Generator{store: store, timeout: timeout}
}

// Key returns the deterministic object key of an order's artifact.
func Key(orderID string) string {
	return "qr/" + orderID + ".png"
}

// Generate encodes publicURL, stores it under Key(orderID) and returns the key.
// Regenerating for the same order overwrites the same object.
func (g *Generator) Generate(ctx context.Context, publicURL, orderID string) (string, error) {
	png, err := qrcode.Encode(publicURL, qrcode.High, imageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	key := Key(orderID)
	if err := g.store.Put(ctx, key, png, ContentType); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return key, nil
}
