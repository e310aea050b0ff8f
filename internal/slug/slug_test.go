package slug

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ana Maria", "ana-maria"},
		{"  José   Pérez!! ", "jose-perez"},
		{"Zoë & Chloë", "zoe-chloe"},
		{"---", ""},
		{"日本", ""},
		{"R2-D2", "r2-d2"},
		{strings.Repeat("a", 60), strings.Repeat("a", 48)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

// registry is an in-memory ClaimFunc backing.
type registry map[string]bool

func (r registry) claim(_ context.Context, candidate string) error {
	if r[candidate] {
		return ErrTaken
	}
	r[candidate] = true
	return nil
}

func TestAllocate_SuffixesOnCollision(t *testing.T) {
	reg := registry{"ana": true, "ana-1": true}
	a := NewAllocator(5)

	got, err := a.Allocate(context.Background(), "Ana", "o1", reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "ana-2", got)
}

func TestAllocate_FallsBackToTimeSuffix(t *testing.T) {
	reg := registry{"ana": true, "ana-1": true, "ana-2": true}
	a := NewAllocator(2)
	a.nowFunc = func() time.Time { return time.Unix(0, 123456789) }

	got, err := a.Allocate(context.Background(), "Ana", "o1", reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "ana-21i3v9", got)
}

func TestAllocate_EmptyNameUsesOrderID(t *testing.T) {
	reg := registry{}
	got, err := NewAllocator(0).Allocate(context.Background(), "!!!", "3F2504E0-4F89-11D3", reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "gift-3f2504e0", got)
}

func TestAllocate_StopsOnClaimError(t *testing.T) {
	boom := errors.New("dynamo down")
	calls := 0
	_, err := NewAllocator(0).Allocate(context.Background(), "Ana", "o1", func(context.Context, string) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestAllocate_DistinctForSameName(t *testing.T) {
	reg := registry{}
	a := NewAllocator(0)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		got, err := a.Allocate(context.Background(), "Birthday Girl", "o1", reg.claim)
		require.NoError(t, err)
		assert.False(t, seen[got], "duplicate slug %s", got)
		seen[got] = true
	}
}
