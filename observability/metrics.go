package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sharemarket"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marketplaceOnce sync.Once
	marketplaceReg  *MarketplaceMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP API
// activity of the marketplace daemon.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// MarketplaceMetrics captures engine level activity: operations, swaps,
// payouts and escrowed funds.
type MarketplaceMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	swaps      *prometheus.CounterVec
	payouts    *prometheus.CounterVec
	funds      *prometheus.CounterVec
	volume     *prometheus.CounterVec
}

// Marketplace returns the singleton metrics registry for the marketplace
// engines.
func Marketplace() *MarketplaceMetrics {
	marketplaceOnce.Do(func() {
		marketplaceReg = &MarketplaceMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of marketplace operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for marketplace operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of marketplace failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "swap",
				Name:      "executions_total",
				Help:      "Count of adapter swaps segmented by adapter, direction and outcome.",
			}, []string{"adapter", "direction", "outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "transfers_total",
				Help:      "Count of payouts segmented by the settlement path taken.",
			}, []string{"path"}),
			funds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "funds",
				Name:      "actions_total",
				Help:      "Count of escrowed fund actions segmented by action.",
			}, []string{"action"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "exchange",
				Name:      "purchased_usd_total",
				Help:      "USD value of purchases settled by the exchange, in whole dollars.",
			}, []string{"release"}),
		}
		prometheus.MustRegister(
			marketplaceReg.operations,
			marketplaceReg.latency,
			marketplaceReg.errors,
			marketplaceReg.swaps,
			marketplaceReg.payouts,
			marketplaceReg.funds,
			marketplaceReg.volume,
		)
	})
	return marketplaceReg
}

// Observe records the execution metrics for a marketplace operation.
func (m *MarketplaceMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSwap counts one adapter swap attempt.
func (m *MarketplaceMetrics) RecordSwap(adapter, direction string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.swaps.WithLabelValues(labelOr(adapter), labelOr(direction), outcome).Inc()
}

// RecordPayout counts one payout by settlement path, e.g. "direct", "swap",
// "swap_fallback", "burn" or "dead_address".
func (m *MarketplaceMetrics) RecordPayout(path string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(labelOr(path)).Inc()
}

// RecordFund counts one escrow action ("added", "claimed", "cancelled",
// "refund_skipped").
func (m *MarketplaceMetrics) RecordFund(action string) {
	if m == nil {
		return
	}
	m.funds.WithLabelValues(labelOr(action)).Inc()
}

// RecordVolume adds the USD value of a purchase. usd carries decimals places.
func (m *MarketplaceMetrics) RecordVolume(release string, usd *big.Int, decimals uint8) {
	if m == nil || usd == nil {
		return
	}
	value := bigToFloat(usd) / math.Pow10(int(decimals))
	if value <= 0 {
		return
	}
	m.volume.WithLabelValues(labelOr(release)).Add(value)
}

// errorReason keeps the label set bounded by dropping the wrapped detail after
// the first colon-separated segment pair.
func errorReason(err error) string {
	reason := strings.TrimSpace(err.Error())
	parts := strings.SplitN(reason, ":", 3)
	if len(parts) >= 2 {
		reason = strings.TrimSpace(parts[0]) + ":" + strings.TrimSpace(parts[1])
	}
	if reason == "" {
		return "unknown"
	}
	return reason
}

func labelOr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
