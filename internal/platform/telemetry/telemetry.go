package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup initializes OpenTelemetry with a Prometheus exporter.
// Returns a shutdown function that must be called on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ClientMetrics holds all OTel instruments for the lessons client.
// A nil *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	httpRequestsTotal         otelmetric.Int64Counter
	httpRequestDuration       otelmetric.Float64Histogram
	identityOperationsTotal   otelmetric.Int64Counter
	entitlementResolvesTotal  otelmetric.Int64Counter
	guardDecisionsTotal       otelmetric.Int64Counter
	jwksRefreshesTotal        otelmetric.Int64Counter
	backendRequestsTotal      otelmetric.Int64Counter
	backendRequestDuration    otelmetric.Float64Histogram
}

// NewClientMetrics creates and registers all client metrics.
func NewClientMetrics() (*ClientMetrics, error) {
	meter := otel.Meter("lessons")
	m := &ClientMetrics{}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	)

	if m.httpRequestsTotal, err = meter.Int64Counter("lessons_http_requests_total",
		otelmetric.WithDescription("Total HTTP requests served")); err != nil {
		return nil, fmt.Errorf("creating http_requests_total: %w", err)
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("lessons_http_request_duration_seconds",
		otelmetric.WithDescription("HTTP request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating http_request_duration: %w", err)
	}
	if m.identityOperationsTotal, err = meter.Int64Counter("lessons_identity_operations_total",
		otelmetric.WithDescription("Identity provider operations")); err != nil {
		return nil, fmt.Errorf("creating identity_operations_total: %w", err)
	}
	if m.entitlementResolvesTotal, err = meter.Int64Counter("lessons_entitlement_resolutions_total",
		otelmetric.WithDescription("Entitlement resolutions by result")); err != nil {
		return nil, fmt.Errorf("creating entitlement_resolutions_total: %w", err)
	}
	if m.guardDecisionsTotal, err = meter.Int64Counter("lessons_guard_decisions_total",
		otelmetric.WithDescription("Route guard decisions")); err != nil {
		return nil, fmt.Errorf("creating guard_decisions_total: %w", err)
	}
	if m.jwksRefreshesTotal, err = meter.Int64Counter("lessons_jwks_refreshes_total",
		otelmetric.WithDescription("Total JWKS refreshes")); err != nil {
		return nil, fmt.Errorf("creating jwks_refreshes_total: %w", err)
	}
	if m.backendRequestsTotal, err = meter.Int64Counter("lessons_backend_requests_total",
		otelmetric.WithDescription("Outgoing backend requests")); err != nil {
		return nil, fmt.Errorf("creating backend_requests_total: %w", err)
	}
	if m.backendRequestDuration, err = meter.Float64Histogram("lessons_backend_request_duration_seconds",
		otelmetric.WithDescription("Outgoing backend request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating backend_request_duration: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records a served HTTP request.
func (m *ClientMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationSec float64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, durationSec, attrs)
}

// RecordIdentityOperation records an identity provider call (sign_in, sign_out, ...).
func (m *ClientMetrics) RecordIdentityOperation(ctx context.Context, op, result string) {
	if m == nil {
		return
	}
	m.identityOperationsTotal.Add(ctx, 1, otelmetric.WithAttributes(operationAttr(op), resultAttr(result)))
}

// RecordEntitlementResolution records the result of an entitlement lookup:
// success, failure, stale or anonymous.
func (m *ClientMetrics) RecordEntitlementResolution(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.entitlementResolvesTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordGuardDecision records a route guard outcome.
func (m *ClientMetrics) RecordGuardDecision(ctx context.Context, guard, outcome string) {
	if m == nil {
		return
	}
	m.guardDecisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(guardAttr(guard), outcomeAttr(outcome)))
}

// RecordJWKSRefresh records a JWKS refresh attempt.
func (m *ClientMetrics) RecordJWKSRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.jwksRefreshesTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordBackendRequest records an outgoing backend request. status is 0 when
// the request failed before a response arrived.
func (m *ClientMetrics) RecordBackendRequest(ctx context.Context, status int, credential bool, durationSec float64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		statusAttr(status),
		credentialAttr(credential),
	)
	m.backendRequestsTotal.Add(ctx, 1, attrs)
	m.backendRequestDuration.Record(ctx, durationSec, attrs)
}
