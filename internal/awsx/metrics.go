package awsx

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metrics emits operational counters (saga outcomes, charge results, breaker
// state changes) to CloudWatch. Emission is best-effort: a metrics failure
// must never fail a booking, so errors are logged and swallowed.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewMetrics returns a Metrics emitter bound to a namespace.
func NewMetrics(client CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// Count emits a count-of-one metric with optional dimensions.
func (m *Metrics) Count(ctx context.Context, name string, dims map[string]string) {
	if m == nil || m.client == nil {
		return
	}
	datum := cwtypes.MetricDatum{
		MetricName: awsString(name),
		Timestamp:  awsTime(m.nowFunc().UTC()),
		Unit:       cwtypes.StandardUnitCount,
		Value:      awsFloat64(1),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  awsString(k),
			Value: awsString(v),
		})
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &m.namespace,
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		log.Printf("[metrics] put metric %s failed: %v", name, err)
	}
}

func awsFloat64(f float64) *float64  { return &f }
func awsTime(t time.Time) *time.Time { return &t }
