package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// PayoutMetrics wraps collectors tracking the payout engine and its API.
type PayoutMetrics struct {
	redemptions *prometheus.CounterVec
	admin       *prometheus.CounterVec
	paused      prometheus.Gauge
	balance     *prometheus.GaugeVec
	latency     *prometheus.HistogramVec
}

// Payout exposes the metrics registry for payoutd.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payoutmgr",
				Subsystem: "payout",
				Name:      "redemptions_total",
				Help:      "Cheque redemptions segmented by outcome.",
			}, []string{"outcome"}),
			admin: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "payoutmgr",
				Subsystem: "payout",
				Name:      "admin_total",
				Help:      "Administrative calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "payoutmgr",
				Subsystem: "payout",
				Name:      "paused",
				Help:      "Indicates whether redemptions are paused (1) or not (0).",
			}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "payoutmgr",
				Subsystem: "payout",
				Name:      "treasury_balance",
				Help:      "Custody balance held in the active treasury, in base units.",
			}, []string{"treasury"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "payoutmgr",
				Subsystem: "payout",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			payoutRegistry.redemptions,
			payoutRegistry.admin,
			payoutRegistry.paused,
			payoutRegistry.balance,
			payoutRegistry.latency,
		)
	})
	return payoutRegistry
}

// RecordRedemption increments the redemption counter.
func (m *PayoutMetrics) RecordRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(label(outcome)).Inc()
}

// RecordAdmin increments the administrative call counter.
func (m *PayoutMetrics) RecordAdmin(op, outcome string) {
	if m == nil {
		return
	}
	m.admin.WithLabelValues(label(op), label(outcome)).Inc()
}

// SetPaused toggles the paused gauge.
func (m *PayoutMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// RecordBalance publishes the custody balance of the active treasury. The
// previous treasury series is dropped on switch.
func (m *PayoutMetrics) RecordBalance(treasury string, balance *big.Int) {
	if m == nil {
		return
	}
	m.balance.Reset()
	m.balance.WithLabelValues(label(strings.ToLower(treasury))).Set(bigToFloat(balance))
}

// ObserveRequest records the handler latency for route.
func (m *PayoutMetrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(label(route), strconv.Itoa(status)).Observe(d.Seconds())
}

func label(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
