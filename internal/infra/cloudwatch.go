package infra

import (
	"context"
	"fmt"
	"log/slog"

	"market_maker/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatch accepts at most 1000 datums per PutMetricData call.
const maxDatumsPerCall = 1000

// putMetricDataAPI is the subset of *cloudwatch.Client used by the sink.
type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes performance metrics with a Strategy dimension.
type CloudWatchSink struct {
	client    putMetricDataAPI
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchSink loads the default AWS configuration for region.
func NewCloudWatchSink(ctx context.Context, region, namespace string) (*CloudWatchSink, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), namespace), nil
}

func newCloudWatchSink(client putMetricDataAPI, namespace string) *CloudWatchSink {
	if namespace == "" {
		namespace = "MarketMaker"
	}
	return &CloudWatchSink{
		client:    client,
		namespace: namespace,
		logger:    slog.Default().With("module", "cloudwatch"),
	}
}

// Publish implements domain.MetricPublisher.
func (s *CloudWatchSink) Publish(ctx context.Context, metrics []domain.PerformanceMetric) error {
	data := make([]cwtypes.MetricDatum, 0, len(metrics))
	for _, m := range metrics {
		datum := cwtypes.MetricDatum{
			MetricName: aws.String(m.MetricName),
			Value:      aws.Float64(m.Value),
			Unit:       cwtypes.StandardUnitNone,
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String("Strategy"),
				Value: aws.String(m.StrategyName),
			}},
		}
		if !m.Time.IsZero() {
			datum.Timestamp = aws.Time(m.Time)
		}
		data = append(data, datum)
	}

	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(data))
		_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}
	s.logger.Debug("published metrics", "count", len(data))
	return nil
}
