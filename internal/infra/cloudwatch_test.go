package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"market_maker/internal/domain"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestCloudWatchSink_PublishesWithStrategyDimension(t *testing.T) {
	fake := &fakeCloudWatch{}
	sink := newCloudWatchSink(fake, "Test")

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := sink.Publish(context.Background(), []domain.PerformanceMetric{
		{StrategyName: "scalper", MetricName: "realized_pnl", Value: 12.5, Time: ts},
		{StrategyName: "market_maker", MetricName: "trades", Value: 3},
	})
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)

	in := fake.calls[0]
	assert.Equal(t, "Test", *in.Namespace)
	require.Len(t, in.MetricData, 2)
	assert.Equal(t, "realized_pnl", *in.MetricData[0].MetricName)
	assert.Equal(t, 12.5, *in.MetricData[0].Value)
	assert.Equal(t, ts, *in.MetricData[0].Timestamp)
	assert.Equal(t, "Strategy", *in.MetricData[0].Dimensions[0].Name)
	assert.Equal(t, "scalper", *in.MetricData[0].Dimensions[0].Value)
	assert.Nil(t, in.MetricData[1].Timestamp)
}

func TestCloudWatchSink_Batches(t *testing.T) {
	fake := &fakeCloudWatch{}
	sink := newCloudWatchSink(fake, "")

	metrics := make([]domain.PerformanceMetric, 2500)
	for i := range metrics {
		metrics[i] = domain.PerformanceMetric{StrategyName: "s", MetricName: "m", Value: float64(i)}
	}
	require.NoError(t, sink.Publish(context.Background(), metrics))
	require.Len(t, fake.calls, 3)
	assert.Len(t, fake.calls[2].MetricData, 500)
	assert.Equal(t, "MarketMaker", *fake.calls[0].Namespace)
}

func TestCloudWatchSink_Error(t *testing.T) {
	sink := newCloudWatchSink(&fakeCloudWatch{err: errors.New("denied")}, "Test")
	err := sink.Publish(context.Background(), []domain.PerformanceMetric{{StrategyName: "s", MetricName: "m"}})
	assert.ErrorContains(t, err, "denied")
}
