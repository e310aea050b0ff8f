// Package dynamotest provides an in-memory DynamoDB client for unit tests.
//
// It is not a full emulator: it honors the key schemas it is configured with,
// the condition/update expression subset the stores use, conditional
// TransactWriteItems with cancellation reasons, equality Query on tables and
// indexes, and filtered Scan. All operations are serialized by one mutex, which
// gives the same per-item atomicity DynamoDB guarantees.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a secondary index by its hash key and optional sort key.
type Index struct {
	HashKey string
	SortKey string
}

// Table describes a table's primary key and secondary indexes.
type Table struct {
	HashKey string
	SortKey string
	Indexes map[string]Index
}

// Fake is an in-memory DynamoDB.
type Fake struct {
	mu      sync.Mutex
	schemas map[string]Table
	items   map[string]map[string]map[string]types.AttributeValue

	// FailNext, when set, is returned (once) by the next call of the named operation.
	FailNext map[string]error

	Calls map[string]int
}

// New returns a Fake with the given table schemas.
func New(schemas map[string]Table) *Fake {
	f := &Fake{
		schemas:  schemas,
		items:    map[string]map[string]map[string]types.AttributeValue{},
		FailNext: map[string]error{},
		Calls:    map[string]int{},
	}
	for name := range schemas {
		f.items[name] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

// Items returns a copy of every item in table.
func (f *Fake) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]types.AttributeValue
	for _, k := range f.sortedKeys(table) {
		out = append(out, clone(f.items[table][k]))
	}
	return out
}

// Count returns the number of items in table.
func (f *Fake) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[table])
}

// Seed writes item directly, bypassing conditions.
func (f *Fake) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, err := f.keyOf(table, item)
	if err != nil {
		panic(err)
	}
	f.items[table][k] = clone(item)
}

func (f *Fake) begin(op string) error {
	f.Calls[op]++
	if err, ok := f.FailNext[op]; ok {
		delete(f.FailNext, op)
		return err
	}
	return nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem"); err != nil {
		return nil, err
	}
	ok, err := f.checkPut(*in.TableName, in.Item, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: str("The conditional request failed")}
	}
	k, _ := f.keyOf(*in.TableName, in.Item)
	f.items[*in.TableName][k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem"); err != nil {
		return nil, err
	}
	k, err := f.keyOf(*in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.items[*in.TableName][k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem"); err != nil {
		return nil, err
	}
	updated, ok, err := f.prepareUpdate(*in.TableName, in.Key, in.ConditionExpression, in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: str("The conditional request failed")}
	}
	k, _ := f.keyOf(*in.TableName, in.Key)
	f.items[*in.TableName][k] = updated
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TransactWriteItems"); err != nil {
		return nil, err
	}

	type write struct {
		table string
		key   string
		item  map[string]types.AttributeValue
	}
	var writes []write
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: str("None")}
		switch {
		case it.Put != nil:
			p := it.Put
			ok, err := f.checkPut(*p.TableName, p.Item, p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: str("ConditionalCheckFailed")}
				failed = true
				continue
			}
			k, _ := f.keyOf(*p.TableName, p.Item)
			writes = append(writes, write{*p.TableName, k, clone(p.Item)})
		case it.Update != nil:
			u := it.Update
			updated, ok, err := f.prepareUpdate(*u.TableName, u.Key, u.ConditionExpression, u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: str("ConditionalCheckFailed")}
				failed = true
				continue
			}
			k, _ := f.keyOf(*u.TableName, u.Key)
			writes = append(writes, write{*u.TableName, k, updated})
		case it.ConditionCheck != nil:
			c := it.ConditionCheck
			k, err := f.keyOf(*c.TableName, c.Key)
			if err != nil {
				return nil, err
			}
			ok, err := evalCondition(deref(c.ConditionExpression), f.items[*c.TableName][k], c.ExpressionAttributeNames, c.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: str("ConditionalCheckFailed")}
				failed = true
			}
		default:
			return nil, errors.New("dynamotest: unsupported transact item")
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             str("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		f.items[w.table][w.key] = w.item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query"); err != nil {
		return nil, err
	}
	schema, ok := f.schemas[*in.TableName]
	if !ok {
		return nil, fmt.Errorf("dynamotest: unknown table %s", *in.TableName)
	}
	hash, sortKey := schema.HashKey, schema.SortKey
	if in.IndexName != nil {
		idx, ok := schema.Indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %s", *in.IndexName)
		}
		hash, sortKey = idx.HashKey, idx.SortKey
	}

	var matched []map[string]types.AttributeValue
	for _, k := range f.sortedKeys(*in.TableName) {
		item := f.items[*in.TableName][k]
		if _, ok := item[hash]; !ok {
			continue
		}
		ok, err := evalCondition(deref(in.KeyConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = evalCondition(deref(in.FilterExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, clone(item))
		}
	}
	if sortKey != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c, _ := compare(matched[i][sortKey], matched[j][sortKey])
			return c < 0
		})
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	return &dyn.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

// Scan returns every matching item in one page.
func (f *Fake) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Scan"); err != nil {
		return nil, err
	}
	var matched []map[string]types.AttributeValue
	for _, k := range f.sortedKeys(*in.TableName) {
		item := f.items[*in.TableName][k]
		ok, err := evalCondition(deref(in.FilterExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, clone(item))
		}
	}
	return &dyn.ScanOutput{Items: matched, Count: int32(len(matched))}, nil
}

func (f *Fake) checkPut(table string, item map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	k, err := f.keyOf(table, item)
	if err != nil {
		return false, err
	}
	existing := f.items[table][k]
	if existing == nil {
		existing = map[string]types.AttributeValue{}
	}
	return evalCondition(deref(cond), existing, names, values)
}

func (f *Fake) prepareUpdate(table string, key map[string]types.AttributeValue, cond, update *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, bool, error) {
	k, err := f.keyOf(table, key)
	if err != nil {
		return nil, false, err
	}
	existing, found := f.items[table][k]
	current := map[string]types.AttributeValue{}
	if found {
		current = clone(existing)
	}
	ok, err := evalCondition(deref(cond), current, names, values)
	if err != nil || !ok {
		return nil, ok, err
	}
	if !found {
		for name, v := range key {
			current[name] = v
		}
	}
	if err := applyUpdate(deref(update), current, names, values); err != nil {
		return nil, false, err
	}
	return current, true, nil
}

func (f *Fake) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	schema, ok := f.schemas[table]
	if !ok {
		return "", fmt.Errorf("dynamotest: unknown table %s", table)
	}
	parts := []string{}
	for _, attr := range []string{schema.HashKey, schema.SortKey} {
		if attr == "" {
			continue
		}
		v, ok := item[attr]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing key attribute %s for table %s", attr, table)
		}
		parts = append(parts, scalar(v))
	}
	return strings.Join(parts, "|"), nil
}

func (f *Fake) sortedKeys(table string) []string {
	keys := make([]string, 0, len(f.items[table]))
	for k := range f.items[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalar(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	case *types.AttributeValueMemberBOOL:
		return strconv.FormatBool(av.Value)
	}
	return fmt.Sprintf("%v", v)
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func str(s string) *string { return &s }
