// Package cache holds read-through caching of terminal order views.
package cache

import (
	"context"
	"net/url"
	"time"
)

// Cache is a byte-value cache with per-key TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// OrderStatusKey is the key of an order's cached public view.
func OrderStatusKey(orderID string) string {
	return "giftlink:order:" + url.PathEscape(orderID) + ":status"
}

// SlugKey is the key of a cached slug resolution.
func SlugKey(slug string) string {
	return "giftlink:slug:" + url.PathEscape(slug)
}

// Noop never hits.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Del(context.Context, ...string) error                     { return nil }
func (Noop) Close() error                                             { return nil }
