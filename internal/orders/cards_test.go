package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCollection(t *testing.T, store *Store, orderID string) []Card {
	t.Helper()
	cards := make([]Card, 0, CollectionSize)
	for i := 1; i <= CollectionSize; i++ {
		cards = append(cards, Card{
			CardID:   fmt.Sprintf("%s-%02d", orderID, i),
			OrderID:  orderID,
			Position: i,
			Title:    fmt.Sprintf("Card %d", i),
			Body:     "a secret note",
			MediaURL: "https://media.example.com/x.jpg",
		})
	}
	order := Order{OrderID: orderID, PaymentReference: "pr_" + orderID, ProductType: ProductCollection, RecipientName: "Ana"}
	require.NoError(t, store.Create(context.Background(), order, cards, refClaim("pr_"+orderID, orderID)))
	return cards
}

func TestOpenCard_SecondOpenIsMetadataOnly(t *testing.T) {
	store := NewStore(newFake(), testTables)
	cards := seedCollection(t, store, "o1")
	ctx := context.Background()

	first, already, err := store.OpenCard(ctx, cards[2].CardID)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, CardOpened, first.Status)
	assert.Equal(t, "Card 3", first.Title)
	assert.Equal(t, "a secret note", first.Body)
	require.NotNil(t, first.OpenedAt)

	second, already, err := store.OpenCard(ctx, cards[2].CardID)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 3, second.Position)
	assert.Equal(t, CardOpened, second.Status)
	assert.Empty(t, second.Title)
	assert.Empty(t, second.Body)
	assert.Empty(t, second.MediaURL)
	assert.Equal(t, first.OpenedAt.UnixNano(), second.OpenedAt.UnixNano())

	neighbour, err := store.GetCard(ctx, cards[3].CardID)
	require.NoError(t, err)
	assert.Equal(t, CardClosed, neighbour.Status)
	assert.Nil(t, neighbour.OpenedAt)

	// content is withheld, not deleted
	stored, err := store.GetCard(ctx, cards[2].CardID)
	require.NoError(t, err)
	assert.Equal(t, "a secret note", stored.Body)
}

func TestOpenCard_NotFound(t *testing.T) {
	store := NewStore(newFake(), testTables)

	_, _, err := store.OpenCard(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenCard_ConcurrentOpensDiscloseOnce(t *testing.T) {
	store := NewStore(newFake(), testTables)
	cards := seedCollection(t, store, "o2")

	const viewers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	disclosures := 0
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, already, err := store.OpenCard(context.Background(), cards[0].CardID)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			if !already {
				mu.Lock()
				disclosures++
				mu.Unlock()
				return
			}
			if view.Body != "" {
				t.Errorf("metadata projection leaked content")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, disclosures)
}
