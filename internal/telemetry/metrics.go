package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "clinical-fhir-extractor"

// Metrics holds all application metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	Extractions         metric.Int64Counter
	ExtractionDuration  metric.Float64Histogram
	OCRInvocations      metric.Int64Counter
	TokensUsed          metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	AuditEventsLogged   metric.Int64Counter
}

// InitMetrics initializes all application metrics against the global meter
// provider. Without an SDK provider the instruments are no-ops.
func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(meterName))
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.RequestCounter, err = meter.Int64Counter("http.requests.total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.Extractions, err = meter.Int64Counter("fhir.extractions.total",
		metric.WithDescription("Extractions by outcome")); err != nil {
		return nil, err
	}
	if m.ExtractionDuration, err = meter.Float64Histogram("fhir.extraction.duration",
		metric.WithDescription("Extraction duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.OCRInvocations, err = meter.Int64Counter("ocr.invocations.total",
		metric.WithDescription("Documents whose text came from OCR")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("gemini.tokens.used",
		metric.WithDescription("Total Gemini tokens used")); err != nil {
		return nil, err
	}
	if m.CircuitBreakerState, err = meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.AuditEventsLogged, err = meter.Int64Counter("audit.events.logged",
		metric.WithDescription("Total audit events logged")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, seconds, attrs)
}

// RecordExtraction records one pipeline run. outcome is "success" or an error kind.
func (m *Metrics) RecordExtraction(ctx context.Context, outcome, source string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("extraction.outcome", outcome),
		attribute.String("extraction.source", source),
	)
	m.Extractions.Add(ctx, 1, attrs)
	m.ExtractionDuration.Record(ctx, seconds, attrs)
	if source != "" && source != "text_layer" {
		m.OCRInvocations.Add(ctx, 1, metric.WithAttributes(attribute.String("extraction.source", source)))
	}
}

// RecordTokensUsed records Gemini token usage
func (m *Metrics) RecordTokensUsed(ctx context.Context, tokens int64, model string) {
	m.TokensUsed.Add(ctx, tokens, metric.WithAttributes(attribute.String("gemini.model", model)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(ctx context.Context, service, state string) {
	m.CircuitBreakerState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}

// RecordAuditEvent records audit event logging
func (m *Metrics) RecordAuditEvent(ctx context.Context, action, status string) {
	m.AuditEventsLogged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("audit.action", action),
		attribute.String("audit.status", status),
	))
}
