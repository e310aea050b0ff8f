package dynamotest

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sv(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func nv(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func TestEvalCondition(t *testing.T) {
	item := map[string]types.AttributeValue{
		"status":      sv("paid"),
		"lease_until": nv("100"),
		"lease_token": sv("tok"),
	}
	names := map[string]string{"#s": "status"}
	values := map[string]types.AttributeValue{
		":paid":    sv("paid"),
		":pending": sv("pending"),
		":now":     nv("150"),
		":tok":     sv("tok"),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"#s = :paid", true},
		{"#s = :pending", false},
		{"#s <> :pending", true},
		{"attribute_exists(lease_token)", true},
		{"attribute_not_exists(fulfilled_at)", true},
		{"#s = :paid AND lease_until < :now", true},
		{"#s = :paid AND (attribute_not_exists(lease_until) OR lease_until < :now)", true},
		{"#s = :pending OR lease_token = :tok", true},
		{"NOT attribute_exists(lease_token)", false},
		{"missing_attr = :paid", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalCondition(tt.expr, item, names, values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCondition_MissingValueIsAnError(t *testing.T) {
	_, err := evalCondition("status = :nope", map[string]types.AttributeValue{"status": sv("x")}, nil, nil)
	require.Error(t, err)
}

func TestApplyUpdate(t *testing.T) {
	item := map[string]types.AttributeValue{
		"status":             sv("pending"),
		"notify_attempts":    nv("1"),
		"notify_claim_until": nv("5"),
	}
	err := applyUpdate(
		"SET #s = :paid, notify_attempts = notify_attempts + :one, created = if_not_exists(created, :now) REMOVE notify_claim_until",
		item,
		map[string]string{"#s": "status"},
		map[string]types.AttributeValue{":paid": sv("paid"), ":one": nv("1"), ":now": nv("42")},
	)
	require.NoError(t, err)

	assert.Equal(t, sv("paid"), item["status"])
	assert.Equal(t, nv("2"), item["notify_attempts"])
	assert.Equal(t, nv("42"), item["created"])
	assert.NotContains(t, item, "notify_claim_until")
}
