package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const anomalyMetricName = "PaymentAnomaly"

// AnomalyRecorder publishes one CloudWatch data point per reconciliation anomaly so
// alarms can page on forged, unsigned or inconsistent callbacks.
type AnomalyRecorder struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewAnomalyRecorder returns a recorder. A nil client disables publishing.
func NewAnomalyRecorder(client CloudWatchAPI, namespace string) *AnomalyRecorder {
	return &AnomalyRecorder{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// RecordAnomaly emits a count of 1 under the given kind dimension.
func (r *AnomalyRecorder) RecordAnomaly(ctx context.Context, kind string) error {
	if r == nil || r.client == nil {
		return nil
	}
	now := r.nowFunc().UTC()
	one := 1.0
	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: String(anomalyMetricName),
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitCount,
				Value:      &one,
				Dimensions: []cwtypes.Dimension{
					{Name: String("Kind"), Value: String(kind)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
