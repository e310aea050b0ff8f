package orders

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetCard fetches a card by id. Returns (nil, nil) if not found.
func (s *Store) GetCard(ctx context.Context, cardID string) (*Card, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Cards,
		Key:            cardKey(cardID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c Card
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal card: %w", err)
	}
	return &c, nil
}

// ListCards returns the cards of an order ordered by position.
func (s *Store) ListCards(ctx context.Context, orderID string) ([]Card, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Cards,
		IndexName:              awsString(CardsByOrderIndex),
		KeyConditionExpression: awsString("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": stringValue(orderID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	var cards []Card
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &cards); err != nil {
		return nil, fmt.Errorf("unmarshal cards: %w", err)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards, nil
}

// OpenCard is the one-time disclosure gate. The first caller to flip the card
// from closed to opened receives the full content with alreadyOpened=false;
// every other caller, concurrent or later, receives the metadata projection
// with alreadyOpened=true. Returns ErrNotFound if the card does not exist.
func (s *Store) OpenCard(ctx context.Context, cardID string) (view CardView, alreadyOpened bool, err error) {
	card, err := s.GetCard(ctx, cardID)
	if err != nil {
		return CardView{}, false, err
	}
	if card == nil {
		return CardView{}, false, ErrNotFound
	}
	if card.Status == CardOpened {
		return card.Metadata(), true, nil
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Cards,
		Key:                      cardKey(cardID),
		UpdateExpression:         awsString("SET #s = :opened, opened_at = :oa"),
		ConditionExpression:      awsString("#s = :closed"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":opened": stringValue(CardOpened),
			":closed": stringValue(CardClosed),
			":oa":     timeValue(s.nowFunc()),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if !isConditionalFailure(err) {
			return CardView{}, false, fmt.Errorf("open card: %w", err)
		}
		// lost the race to a concurrent open
		card, err = s.GetCard(ctx, cardID)
		if err != nil {
			return CardView{}, false, err
		}
		if card == nil {
			return CardView{}, false, ErrNotFound
		}
		return card.Metadata(), true, nil
	}

	var opened Card
	if err := attributevalue.UnmarshalMap(out.Attributes, &opened); err != nil {
		return CardView{}, false, fmt.Errorf("unmarshal card: %w", err)
	}
	return opened.Full(), false, nil
}

func cardKey(cardID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"card_id": stringValue(cardID),
	}
}
