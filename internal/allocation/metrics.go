package allocation

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// TierMetrics is one capacity observation for a writer tier.
type TierMetrics struct {
	UtilizationPercent float64
	TotalDatabases     int
	TotalCapacity      int
	HealthyInstances   int
	AllocationFailures int
}

// MetricsPublisher records tier capacity observations. Publishing is
// best effort and never blocks an allocation.
type MetricsPublisher interface {
	PublishTierMetrics(ctx context.Context, tier string, m TierMetrics)
}

// CloudWatchAPI is the subset of the CloudWatch client the publisher
// uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher ships tier metrics to a single namespace, one
// datum per metric with the tier as a dimension.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
	logger    *zap.Logger
	now       func() time.Time
}

func NewCloudWatchPublisher(client CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatchPublisher {
	return &CloudWatchPublisher{client: client, namespace: namespace, logger: logger, now: time.Now}
}

func (p *CloudWatchPublisher) PublishTierMetrics(ctx context.Context, tier string, m TierMetrics) {
	ts := p.now().UTC()
	dims := []cwtypes.Dimension{{
		Name:  aws.String("ClusterTier"),
		Value: aws.String(tier),
	}}

	datum := func(name string, value float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
			Timestamp:  aws.Time(ts),
			Dimensions: dims,
		}
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum("TierUtilization", m.UtilizationPercent, cwtypes.StandardUnitPercent),
			datum("TotalDatabases", float64(m.TotalDatabases), cwtypes.StandardUnitCount),
			datum("TotalCapacity", float64(m.TotalCapacity), cwtypes.StandardUnitCount),
			datum("HealthyInstances", float64(m.HealthyInstances), cwtypes.StandardUnitCount),
			datum("AllocationFailures", float64(m.AllocationFailures), cwtypes.StandardUnitCount),
		},
	})
	if err != nil {
		p.logger.Warn("failed to publish tier metrics",
			zap.String("tier", tier), zap.Error(err))
	}
}

// nopPublisher drops observations. Used when no CloudWatch client is
// configured.
type nopPublisher struct{}

func (nopPublisher) PublishTierMetrics(context.Context, string, TierMetrics) {}

// NopPublisher returns a publisher that discards all metrics.
func NopPublisher() MetricsPublisher { return nopPublisher{} }
