// Package observe provides application-wide observability primitives for
// Nell: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter installed by [InitProvider]. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Nell metrics.
const meterName = "github.com/MrWong99/nell"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Listening sessions ---

	// ListenRestarts counts recognition attempts launched by a session after
	// the first one. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("reason", ...)
	ListenRestarts metric.Int64Counter

	// ListenInterrupts counts utterances consumed as interruptions. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.Bool("stop", ...)
	ListenInterrupts metric.Int64Counter

	// ListenResults counts utterances delivered to the result callback.
	ListenResults metric.Int64Counter

	// ListenEngineErrors counts reported (non no-speech) engine errors. Use
	// with attributes:
	//   attribute.String("mode", ...), attribute.String("code", ...)
	ListenEngineErrors metric.Int64Counter

	// ListenStartFailures counts engine start failures.
	ListenStartFailures metric.Int64Counter

	// ActiveListenSessions tracks sessions between Start and Stop.
	ActiveListenSessions metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Companion ---

	// ReplyDuration tracks the time from utterance to the last reply chunk.
	ReplyDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequests counts served requests by method, route and status.
	HTTPRequests metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for spoken
// reply latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Listening.
	if met.ListenRestarts, err = m.Int64Counter("nell.listen.restarts",
		metric.WithDescription("Recognition attempts relaunched by a listening session."),
	); err != nil {
		return nil, err
	}
	if met.ListenInterrupts, err = m.Int64Counter("nell.listen.interrupts",
		metric.WithDescription("Utterances consumed as interruptions while the companion spoke."),
	); err != nil {
		return nil, err
	}
	if met.ListenResults, err = m.Int64Counter("nell.listen.results",
		metric.WithDescription("Utterances delivered as user input."),
	); err != nil {
		return nil, err
	}
	if met.ListenEngineErrors, err = m.Int64Counter("nell.listen.engine_errors",
		metric.WithDescription("Recognition engine errors by code, excluding no-speech."),
	); err != nil {
		return nil, err
	}
	if met.ListenStartFailures, err = m.Int64Counter("nell.listen.start_failures",
		metric.WithDescription("Recognition engine start failures."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListenSessions, err = m.Int64UpDownCounter("nell.listen.active_sessions",
		metric.WithDescription("Number of active listening sessions."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("nell.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("nell.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Companion.
	if met.ReplyDuration, err = m.Float64Histogram("nell.reply.duration",
		metric.WithDescription("Latency from user utterance to the end of the spoken reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP.
	if met.HTTPRequests, err = m.Int64Counter("nell.http.requests",
		metric.WithDescription("HTTP requests by method, path and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("nell.http.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRestart records a relaunched recognition attempt. reason is
// "ended", "error" or "resume".
func (m *Metrics) RecordRestart(ctx context.Context, mode, reason string) {
	m.ListenRestarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("reason", reason),
		),
	)
}

// RecordInterrupt records an utterance consumed as an interruption.
func (m *Metrics) RecordInterrupt(ctx context.Context, mode string, stop bool) {
	m.ListenInterrupts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Bool("stop", stop),
		),
	)
}

// RecordResult records an utterance delivered as user input.
func (m *Metrics) RecordResult(ctx context.Context, mode string) {
	m.ListenResults.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordEngineError records a reported engine error.
func (m *Metrics) RecordEngineError(ctx context.Context, mode, code string) {
	m.ListenEngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("code", code),
		),
	)
}

// RecordStartFailure records a failed engine start.
func (m *Metrics) RecordStartFailure(ctx context.Context, mode string) {
	m.ListenStartFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
