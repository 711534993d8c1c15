// Package metrics publishes billing and reconciliation pass summaries to
// CloudWatch.
//
// Metrics emitted, all with a Pass dimension ("charge_cycle" or
// "reconcile_suspensions"):
//   - ServersProcessed, Failures, PassDuration (both passes)
//   - ServersCharged, ServersSuspended, Anomalies, CreditsCharged (charge cycle)
//   - ServersDeleted, ServersUnsuspended, ServersPatched (reconcile)
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"creditpanel/internal/types"
)

const (
	DefaultNamespace = "CreditPanel"

	dimPass         = "Pass"
	passChargeCycle = "charge_cycle"
	passReconcile   = "reconcile_suspensions"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// PassMetrics records pass summaries. Publishing errors are logged and never
// returned; a pass must not fail because CloudWatch is unreachable.
type PassMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewPassMetrics creates a PassMetrics publishing under namespace.
func NewPassMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *PassMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PassMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordCycle publishes the counters of one charge cycle.
// Publish failures are logged and dropped.
func (m *PassMetrics) RecordCycle(ctx context.Context, res *types.CycleResult) {
	if res == nil {
		return
	}
	total, _ := res.Total.Float64()
	m.put(ctx, passChargeCycle, []cwtypes.MetricDatum{
		count("ServersProcessed", len(res.Entries)),
		count("ServersCharged", res.Charged),
		count("ServersSuspended", res.Suspended),
		count("Anomalies", res.Anomalies),
		count("Failures", res.Failures),
		{MetricName: aws.String("CreditsCharged"), Value: aws.Float64(total), Unit: cwtypes.StandardUnitNone},
		duration(res.FinishedAt.Sub(res.StartedAt)),
	})
}

// RecordReconcile publishes the per-action counters of a suspension pass.
func (m *PassMetrics) RecordReconcile(ctx context.Context, res *types.ReconcileResult) {
	if res == nil {
		return
	}
	m.put(ctx, passReconcile, []cwtypes.MetricDatum{
		count("ServersProcessed", len(res.Entries)),
		count("ServersDeleted", res.Deleted),
		count("ServersUnsuspended", res.Unsuspended),
		count("ServersSuspended", res.Suspended),
		count("ServersPatched", res.Patched),
		count("Failures", res.Failures),
		duration(res.FinishedAt.Sub(res.StartedAt)),
	})
}

func (m *PassMetrics) put(ctx context.Context, pass string, data []cwtypes.MetricDatum) {
	dims := []cwtypes.Dimension{{Name: aws.String(dimPass), Value: aws.String(pass)}}
	for i := range data {
		data[i].Dimensions = dims
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish pass metrics",
			"pass", pass,
			"error", err,
		)
	}
}

func count(name string, v int) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v)),
		Unit:       cwtypes.StandardUnitCount,
	}
}

func duration(d time.Duration) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String("PassDuration"),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	}
}

// Nop discards all metrics. Used by the CLI and in tests.
type Nop struct{}

func (Nop) RecordCycle(context.Context, *types.CycleResult)         {}
func (Nop) RecordReconcile(context.Context, *types.ReconcileResult) {}
