package payoutd

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"payoutmgr/observability"
)

// Metrics exposes Prometheus collectors for payoutd instrumentation.
type Metrics = observability.PayoutMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Payout() }

var (
	transferMetricsOnce   sync.Once
	sharedTransferMetrics *transferMetrics
)

// transferMetrics exports redemptions whose transfer outcome is unknown
// through the OTLP pipeline, where operators reconcile them.
type transferMetrics struct {
	unconfirmed metric.Int64Counter
}

func unconfirmedTransfers() *transferMetrics {
	transferMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("payoutmgr/payoutd")
		counter, err := meter.Int64Counter("payoutmgr.payoutd.transfers.unconfirmed")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("payoutmgr/payoutd")
			counter, _ = fallback.Int64Counter("payoutmgr.payoutd.transfers.unconfirmed")
		}
		sharedTransferMetrics = &transferMetrics{unconfirmed: counter}
	})
	return sharedTransferMetrics
}

func (m *transferMetrics) record(ctx context.Context, treasury string) {
	if m == nil || m.unconfirmed == nil {
		return
	}
	m.unconfirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("treasury", treasury)))
}
