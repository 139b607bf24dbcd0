package issuance

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "issuance-service"

// Metrics holds the issuance-specific OpenTelemetry instruments. A nil
// *Metrics disables recording, so tests can pass nil.
type Metrics struct {
	EventsTotal    metric.Int64Counter
	LicensesIssued metric.Int64Counter
	Cancellations  metric.Int64Counter
}

// InitializeMetrics creates the issuance instruments on the given meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsTotal, err = meter.Int64Counter(
		"issuance_events_total",
		metric.WithDescription("Total webhook events by type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	m.LicensesIssued, err = meter.Int64Counter(
		"issuance_licenses_issued_total",
		metric.WithDescription("Total licenses issued by tier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create licenses issued counter: %w", err)
	}

	m.Cancellations, err = meter.Int64Counter(
		"issuance_cancellations_total",
		metric.WithDescription("Total licenses marked canceled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancellations counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordIssued(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.LicensesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
	))
}

func (m *Metrics) recordCanceled(ctx context.Context) {
	if m == nil {
		return
	}
	m.Cancellations.Add(ctx, 1)
}
