// Package metrics publishes pipeline counters to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/giftlink-fulfillment/internal/aws"
)

// Metric names.
const (
	FulfillmentCompleted = "FulfillmentCompleted"
	FulfillmentConflict  = "FulfillmentConflict"
	FulfillmentUpstream  = "FulfillmentUpstreamFailure"
	NotificationSent     = "NotificationSent"
	NotificationFailed   = "NotificationFailed"
	CardOpened           = "CardOpened"
	WebhookRejected      = "WebhookRejected"
)

// Recorder counts pipeline events. Implementations never fail the caller.
type Recorder interface {
	Incr(ctx context.Context, name string, dims map[string]string)
}

// Noop discards every metric.
type Noop struct{}

// Incr implements Recorder.
func (Noop) Incr(context.Context, string, map[string]string) {}

// CloudWatch publishes each event as a Count datum.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCloudWatch returns a recorder publishing into namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, timeout time.Duration, logger *slog.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, timeout: timeout, logger: logger}
}

// Incr implements Recorder. Publishing errors are logged and dropped.
func (c *CloudWatch) Incr(ctx context.Context, name string, dims map[string]string) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dimensions := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, cwtypes.Dimension{Name: awsString(k), Value: awsString(dims[k])})
	}

	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &c.namespace,
		MetricData: []cwtypes.MetricDatum{{
			MetricName: awsString(name),
			Dimensions: dimensions,
			Unit:       cwtypes.StandardUnitCount,
			Value:      awsFloat(1),
			Timestamp:  awsTime(time.Now()),
		}},
	})
	if err != nil && c.logger != nil {
		c.logger.WarnContext(ctx, "put metric failed", "metric", name, "error", err)
	}
}

func awsString(s string) *string { return &s }

func awsFloat(f float64) *float64 { return &f }

func awsTime(t time.Time) *time.Time { return &t }
