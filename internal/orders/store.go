package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/giftlink-fulfillment/internal/aws"
)

var (
	// ErrNotFound is returned when an order or card does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusMismatch is returned when a guarded transition lost its condition.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrDuplicateReference is returned when the payment reference already belongs to an order.
	ErrDuplicateReference = errors.New("payment reference already has an order")
	// ErrLeaseHeld is returned when another caller holds an unexpired fulfillment lease.
	ErrLeaseHeld = errors.New("fulfillment lease held by another caller")
	// ErrLeaseLost is returned when a lease-guarded write no longer holds the lease.
	ErrLeaseLost = errors.New("fulfillment lease not held")
	// ErrSlugTaken is returned when a slug candidate is already claimed.
	ErrSlugTaken = errors.New("slug already taken")
)

// CardsByOrderIndex is the GSI on the cards table keyed by order_id, sorted by position.
const CardsByOrderIndex = "order_id-position-index"

// Tables names the DynamoDB tables backing the aggregate.
type Tables struct {
	Orders string
	Cards  string
	Slugs  string
}

// Store encapsulates operations on the orders, cards and slugs tables.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tables Tables) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

// WithClock overrides the store clock. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// Create atomically writes the payment reference claim, the pending order and
// its cards. refClaim must be a conditional Put on the payment reference table
// and is placed first so a cancellation on it maps to ErrDuplicateReference.
func (s *Store) Create(ctx context.Context, order Order, cards []Card, refClaim types.TransactWriteItem) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = StatusPending
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		refClaim,
		{
			Put: &types.Put{
				TableName:           &s.tables.Orders,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}
	for _, c := range cards {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.Status == "" {
			c.Status = CardClosed
		}
		cardMap, err := attributevalue.MarshalMap(c)
		if err != nil {
			return fmt.Errorf("marshal card item: %w", err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           &s.tables.Cards,
				Item:                cardMap,
				ConditionExpression: awsString("attribute_not_exists(card_id)"),
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		if codes, ok := cancellationCodes(err); ok && len(codes) > 0 && codes[0] == "ConditionalCheckFailed" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Orders,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// MarkPaid performs the guarded pending -> paid transition and takes the
// fulfillment lease in the same write. Returns ErrStatusMismatch if the order
// is no longer pending.
func (s *Store) MarkPaid(ctx context.Context, orderID, leaseToken string, leaseTTL time.Duration) error {
	now := s.nowFunc()
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Orders,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET #s = :paid, lease_token = :tok, lease_until = :lu, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid":    stringValue(StatusPaid),
			":pending": stringValue(StatusPending),
			":tok":     stringValue(leaseToken),
			":lu":      millisValue(now.Add(leaseTTL)),
			":ua":      timeValue(now),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrStatusMismatch
	}
	return err
}

// MarkFailed performs the guarded pending -> failed transition.
func (s *Store) MarkFailed(ctx context.Context, orderID string) error {
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Orders,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString("SET #s = :failed, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  stringValue(StatusFailed),
			":pending": stringValue(StatusPending),
			":ua":      timeValue(s.nowFunc()),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrStatusMismatch
	}
	return err
}

// SetContact replaces the notification address unless the buyer was already notified.
func (s *Store) SetContact(ctx context.Context, orderID, email string) error {
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Orders,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET contact_email = :c, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(notified_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":  stringValue(email),
			":ua": timeValue(s.nowFunc()),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrStatusMismatch
	}
	return err
}

// AcquireLease takes the fulfillment lease of a paid but incomplete order
// whose previous lease (if any) has expired.
func (s *Store) AcquireLease(ctx context.Context, orderID, leaseToken string, leaseTTL time.Duration) error {
	now := s.nowFunc()
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Orders,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET lease_token = :tok, lease_until = :lu, updated_at = :ua"),
		ConditionExpression: awsString("#s = :paid AND attribute_not_exists(fulfilled_at) AND " +
			"(attribute_not_exists(lease_until) OR lease_until < :now)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid": stringValue(StatusPaid),
			":tok":  stringValue(leaseToken),
			":lu":   millisValue(now.Add(leaseTTL)),
			":now":  millisValue(now),
			":ua":   timeValue(now),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrLeaseHeld
	}
	return err
}

// ReleaseLease drops the lease if it is still held by leaseToken.
func (s *Store) ReleaseLease(ctx context.Context, orderID, leaseToken string) error {
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Orders,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("REMOVE lease_token, lease_until"),
		ConditionExpression: awsString("lease_token = :tok"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": stringValue(leaseToken),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return nil
	}
	return err
}

// ClaimSlug claims slug in the slugs table and sets it on the order in one
// transaction. The order write is guarded by the lease and by the slug being unset.
func (s *Store) ClaimSlug(ctx context.Context, orderID, slug, leaseToken string) error {
	now := s.nowFunc().UTC()
	rec, err := attributevalue.MarshalMap(SlugRecord{Slug: slug, OrderID: orderID, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal slug item: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tables.Slugs,
					Item:                rec,
					ConditionExpression: awsString("attribute_not_exists(slug)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           &s.tables.Orders,
					Key:                 orderKey(orderID),
					UpdateExpression:    awsString("SET public_slug = :slug, updated_at = :ua"),
					ConditionExpression: awsString("lease_token = :tok AND attribute_not_exists(public_slug)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":slug": stringValue(slug),
						":tok":  stringValue(leaseToken),
						":ua":   timeValue(now),
					},
				},
			},
		},
	})
	if err != nil {
		if codes, ok := cancellationCodes(err); ok && len(codes) == 2 {
			if codes[1] == "ConditionalCheckFailed" {
				return ErrLeaseLost
			}
			if codes[0] == "ConditionalCheckFailed" {
				return ErrSlugTaken
			}
		}
		return fmt.Errorf("claim slug: %w", err)
	}
	return nil
}

// CompleteFulfillment persists the artifact reference and fulfilled_at and
// releases the lease in a single conditional write. It returns the updated order.
func (s *Store) CompleteFulfillment(ctx context.Context, orderID, artifactRef, leaseToken string) (*Order, error) {
	now := s.nowFunc()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Orders,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET artifact_ref = :ar, fulfilled_at = :fa, updated_at = :ua REMOVE lease_token, lease_until"),
		ConditionExpression: awsString("lease_token = :tok AND attribute_exists(public_slug) AND " +
			"attribute_not_exists(fulfilled_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ar":  stringValue(artifactRef),
			":fa":  timeValue(now),
			":ua":  timeValue(now),
			":tok": stringValue(leaseToken),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, ErrLeaseLost
		}
		return nil, fmt.Errorf("complete fulfillment: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ClaimNotification reserves the right to send the buyer notification for
// claimTTL. Returns ErrStatusMismatch when the order is not fulfilled, was
// already notified, or another sender holds an unexpired claim.
func (s *Store) ClaimNotification(ctx context.Context, orderID string, claimTTL time.Duration) error {
	now := s.nowFunc()
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Orders,
		Key:              orderKey(orderID),
		UpdateExpression: awsString("SET notify_claim_until = :until"),
		ConditionExpression: awsString("attribute_exists(fulfilled_at) AND attribute_not_exists(notified_at) AND " +
			"(attribute_not_exists(notify_claim_until) OR notify_claim_until < :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": millisValue(now.Add(claimTTL)),
			":now":   millisValue(now),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrStatusMismatch
	}
	return err
}

// MarkNotified records the successful notification and drops the claim.
func (s *Store) MarkNotified(ctx context.Context, orderID, messageID string) error {
	now := s.nowFunc()
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Orders,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET notified_at = :na, notification_message_id = :mid, updated_at = :ua REMOVE notify_claim_until"),
		ConditionExpression: awsString("attribute_not_exists(notified_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":na":  timeValue(now),
			":mid": stringValue(messageID),
			":ua":  timeValue(now),
		},
	})
	if errors.Is(err, errConditionFailed) {
		return ErrStatusMismatch
	}
	return err
}

// ReleaseNotification drops the notification claim after a failed send and
// returns the updated number of failed attempts.
func (s *Store) ReleaseNotification(ctx context.Context, orderID string) (int, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Orders,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET notify_attempts = if_not_exists(notify_attempts, :zero) + :inc, updated_at = :ua REMOVE notify_claim_until"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":inc":  &types.AttributeValueMemberN{Value: "1"},
			":ua":   timeValue(s.nowFunc()),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("release notification: %w", err)
	}
	var attempts struct {
		NotifyAttempts int `dynamodbav:"notify_attempts"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &attempts); err != nil {
		return 0, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return attempts.NotifyAttempts, nil
}

// DropNotificationClaim removes the notification claim without counting a failure.
func (s *Store) DropNotificationClaim(ctx context.Context, orderID string) error {
	err := s.update(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Orders,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("REMOVE notify_claim_until"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
	})
	if errors.Is(err, errConditionFailed) {
		return ErrNotFound
	}
	return err
}

// ScanIncomplete returns paid orders whose fulfillment has not completed.
func (s *Store) ScanIncomplete(ctx context.Context) ([]Order, error) {
	return s.scan(ctx, &dyn.ScanInput{
		TableName:                &s.tables.Orders,
		FilterExpression:         awsString("#s = :paid AND attribute_not_exists(fulfilled_at)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid": stringValue(StatusPaid),
		},
	})
}

// ScanNotificationOwed returns fulfilled orders with a contact address that
// have not been notified and have fewer than maxAttempts failed attempts.
func (s *Store) ScanNotificationOwed(ctx context.Context, maxAttempts int) ([]Order, error) {
	return s.scan(ctx, &dyn.ScanInput{
		TableName: &s.tables.Orders,
		FilterExpression: awsString("attribute_exists(fulfilled_at) AND attribute_not_exists(notified_at) AND " +
			"attribute_exists(contact_email) AND (attribute_not_exists(notify_attempts) OR notify_attempts < :max)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":max": &types.AttributeValueMemberN{Value: strconv.Itoa(maxAttempts)},
		},
	})
}

// LookupSlug resolves a public slug. Returns (nil, nil) if the slug is unknown.
func (s *Store) LookupSlug(ctx context.Context, slug string) (*SlugRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Slugs,
		Key: map[string]types.AttributeValue{
			"slug": stringValue(slug),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get slug: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec SlugRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal slug: %w", err)
	}
	return &rec, nil
}

func (s *Store) scan(ctx context.Context, input *dyn.ScanInput) ([]Order, error) {
	var result []Order
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return result, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// errConditionFailed is the internal signal for a lost ConditionExpression;
// exported methods translate it into their own sentinel.
var errConditionFailed = errors.New("conditional check failed")

func (s *Store) update(ctx context.Context, input *dyn.UpdateItemInput) error {
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalFailure(err) {
			return errConditionFailed
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// cancellationCodes extracts per-item cancellation reason codes from a
// canceled transaction.
func cancellationCodes(err error) ([]string, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes, true
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": stringValue(orderID),
	}
}

func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func millisValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
