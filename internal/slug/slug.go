// Package slug derives human-readable, collision-free public paths.
package slug

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxLength       = 48
	defaultAttempts = 20
)

// ErrTaken must be returned (or wrapped) by a ClaimFunc when the candidate is
// already in use. Any other error aborts allocation.
var ErrTaken = errors.New("slug taken")

// ClaimFunc atomically reserves candidate. It is the uniqueness check.
type ClaimFunc func(ctx context.Context, candidate string) error

// Allocator turns display names into unique slugs.
type Allocator struct {
	maxAttempts int
	nowFunc     func() time.Time
}

// NewAllocator returns an Allocator trying up to maxAttempts numeric suffixes
// before falling back to a time-derived suffix. maxAttempts <= 0 uses 20.
func NewAllocator(maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}
	return &Allocator{maxAttempts: maxAttempts, nowFunc: time.Now}
}

// Allocate claims the first free candidate derived from name and returns it.
func (a *Allocator) Allocate(ctx context.Context, name, orderID string, claim ClaimFunc) (string, error) {
	base := Normalize(name)
	if base == "" {
		base = fallbackBase(orderID)
	}

	for i := 0; i <= a.maxAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = withSuffix(base, strconv.Itoa(i))
		}
		err := claim(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, ErrTaken) {
			return "", fmt.Errorf("claim slug %q: %w", candidate, err)
		}
	}

	// time-derived suffix guarantees termination
	candidate := withSuffix(base, strconv.FormatInt(a.nowFunc().UnixNano(), 36))
	if err := claim(ctx, candidate); err != nil {
		return "", fmt.Errorf("claim slug %q: %w", candidate, err)
	}
	return candidate, nil
}

// Normalize lowercases name, folds accents to ASCII and joins words with hyphens.
func Normalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
			continue
		}
		hyphen = true
	}

	out := b.String()
	if len(out) > maxLength {
		out = strings.TrimRight(out[:maxLength], "-")
	}
	return out
}

func withSuffix(base, suffix string) string {
	if room := maxLength - len(suffix) - 1; len(base) > room {
		base = strings.TrimRight(base[:room], "-")
	}
	return base + "-" + suffix
}

func fallbackBase(orderID string) string {
	id := Normalize(orderID)
	if len(id) > 8 {
		id = strings.TrimRight(id[:8], "-")
	}
	if id == "" {
		return "gift"
	}
	return "gift-" + id
}
