// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge and structured-log
// setup.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/stenobot/steno"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// JobDuration tracks end-to-end job processing latency by route
	// ("sync"/"async").
	JobDuration metric.Float64Histogram

	// ASRDuration tracks one recognition call (sync surface) or one
	// complete async pass.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks formatter completion latency.
	LLMDuration metric.Float64Histogram

	// JobsProcessed counts finished jobs. Attributes:
	//   attribute.String("outcome", "completed"|"failed"|"duplicate")
	JobsProcessed metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes:
	//   provider, kind, status
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// MinutesBilled counts audio minutes debited from user balances.
	MinutesBilled metric.Int64Counter

	// ActiveJobs tracks jobs currently inside the pipeline.
	ActiveJobs metric.Int64UpDownCounter

	// HTTPRequestDuration tracks webhook/API request latency by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Jobs run
// from sub-second edits to multi-minute diarizations.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("steno.job.duration",
		metric.WithDescription("End-to-end job processing latency by route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRDuration, err = m.Float64Histogram("steno.asr.duration",
		metric.WithDescription("Latency of speech recognition calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("steno.llm.duration",
		metric.WithDescription("Latency of formatter completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.JobsProcessed, err = m.Int64Counter("steno.jobs.processed",
		metric.WithDescription("Total finished jobs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("steno.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("steno.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.MinutesBilled, err = m.Int64Counter("steno.minutes.billed",
		metric.WithDescription("Total audio minutes debited."),
	); err != nil {
		return nil, err
	}

	if met.ActiveJobs, err = m.Int64UpDownCounter("steno.active_jobs",
		metric.WithDescription("Jobs currently inside the pipeline."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("steno.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordJob records one finished job with its outcome and route.
func (m *Metrics) RecordJob(ctx context.Context, outcome, route string, seconds float64) {
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("route", route),
	))
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("route", route),
	))
}

// RecordProviderRequest records a provider call with the standard attribute
// set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
