// Package attempts is the append-only audit log of notification deliveries.
package attempts

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/giftlink-fulfillment/internal/aws"
)

// Attempt outcomes.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Attempt is one notification delivery attempt. Rows are never mutated.
type Attempt struct {
	OrderID           string    `dynamodbav:"order_id"`   // PK
	AttemptID         string    `dynamodbav:"attempt_id"` // SK, time-ordered
	Status            string    `dynamodbav:"status"`
	Error             string    `dynamodbav:"error,omitempty"`
	ProviderMessageID string    `dynamodbav:"provider_message_id,omitempty"`
	AttemptedAt       time.Time `dynamodbav:"attempted_at"`
}

// Store appends and lists attempts in the notification attempts table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore returns a Store bound to tableName.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Append records an attempt. AttemptID and AttemptedAt are assigned here.
func (s *Store) Append(ctx context.Context, a Attempt) (Attempt, error) {
	now := s.nowFunc().UTC()
	a.AttemptedAt = now
	a.AttemptID = now.Format("20060102T150405.000000000Z") + "-" + uuid.NewString()[:8]

	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return a, fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(attempt_id)"),
	})
	if err != nil {
		return a, fmt.Errorf("put attempt: %w", err)
	}
	return a, nil
}

// List returns an order's attempts, oldest first. The read is strongly
// consistent so a sent attempt appended just before is always seen.
func (s *Store) List(ctx context.Context, orderID string) ([]Attempt, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		ConsistentRead:         awsBool(true),
		KeyConditionExpression: awsString("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	var list []Attempt
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &list); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return list, nil
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
