package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/giftlink-fulfillment/internal/aws"
)

// ErrConditionFailed indicates the payment reference is already claimed.
var ErrConditionFailed = errors.New("conditional check failed")

// Store encapsulates the payment reference table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// ClaimItem builds the conditional Put that claims paymentRef for orderID, for
// use as the first item of an order-creation transaction.
func (s *Store) ClaimItem(paymentRef, orderID string) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(Record{
		PaymentReference: paymentRef,
		OrderID:          orderID,
		CreatedAt:        s.nowFunc().UTC(),
	})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal record: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(payment_reference)"),
		},
	}, nil
}

// Claim writes the reference record outside a transaction.
// Returns (true, nil) if created and (false, nil) if the reference was already claimed.
func (s *Store) Claim(ctx context.Context, paymentRef, orderID string) (bool, error) {
	claim, err := s.ClaimItem(paymentRef, orderID)
	if err != nil {
		return false, err
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           claim.Put.TableName,
		Item:                claim.Put.Item,
		ConditionExpression: claim.Put.ConditionExpression,
	})
	if err != nil {
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves the record for a payment reference. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, paymentRef string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"payment_reference": &types.AttributeValueMemberS{Value: paymentRef},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
