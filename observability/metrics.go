package observability

import (
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "payerx"

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	oracleOnce sync.Once
	oracleReg  *OracleMetrics

	httpOnce sync.Once
	httpReg  *HTTPMetrics

	liquidityOnce sync.Once
	liquidityReg  *LiquidityMetrics
)

// SettlementMetrics captures per-operation outcomes of the settlement engine.
type SettlementMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// Settlement returns the singleton metrics registry for settlement operations.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Count of settlement operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by operation and error kind.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(settlementReg.requests, settlementReg.latency, settlementReg.errors)
	})
	return settlementReg
}

// Observe records the execution metrics for one settlement operation.
func (m *SettlementMetrics) Observe(operation string, duration time.Duration, err error) {
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
		m.errors.WithLabelValues(op, ErrorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// ErrorReason reduces an error chain to its innermost message so wrapped
// sentinels map onto a bounded label set.
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	reason := strings.TrimSpace(err.Error())
	if reason == "" {
		return "unknown"
	}
	return reason
}

// OracleMetrics tracks the rate feeder.
type OracleMetrics struct {
	publishes  *prometheus.CounterVec
	skips      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	freshness  *prometheus.GaugeVec
	rate       *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the oracle feeder.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleReg = &OracleMetrics{
			publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "publishes_total",
				Help:      "Count of rates written to the registry by pair.",
			}, []string{"pair"}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "skips_total",
				Help:      "Count of rate writes skipped because the change was below threshold.",
			}, []string{"pair"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "rejections_total",
				Help:      "Count of rejected oracle rounds segmented by reason.",
			}, []string{"pair", "reason"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the newest quote used for the last published rate.",
			}, []string{"pair"}),
			rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "rate",
				Help:      "Last published rate by pair.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(oracleReg.publishes, oracleReg.skips, oracleReg.rejections, oracleReg.freshness, oracleReg.rate)
	})
	return oracleReg
}

// RecordPublish notes a rate write.
func (m *OracleMetrics) RecordPublish(pair string, rate float64, age time.Duration) {
	if m == nil {
		return
	}
	label := labelPair(pair)
	m.publishes.WithLabelValues(label).Inc()
	m.rate.WithLabelValues(label).Set(rate)
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.freshness.WithLabelValues(label).Set(seconds)
}

// RecordSkip notes a write suppressed by the change threshold.
func (m *OracleMetrics) RecordSkip(pair string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(labelPair(pair)).Inc()
}

// RecordRejection notes a round that produced no rate.
func (m *OracleMetrics) RecordRejection(pair, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(labelPair(pair), reason).Inc()
}

// HTTPMetrics records API traffic.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// HTTP returns the metrics registry for the payerxd API.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of API requests segmented by route, method and status class.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.latency, httpReg.throttles)
	})
	return httpReg
}

// Observe records one request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strings.ToUpper(method), statusClass(status)).Inc()
	m.latency.WithLabelValues(route, strings.ToUpper(method)).Observe(duration.Seconds())
}

// RecordThrottle notes a request rejected by the limiter.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unmatched"
	}
	m.throttles.WithLabelValues(route).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// LiquidityMetrics exposes the reconciliation state of each tracked token.
type LiquidityMetrics struct {
	reserve     *prometheus.GaugeVec
	balance     *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
}

// Liquidity returns the metrics registry for liquidity health.
func Liquidity() *LiquidityMetrics {
	liquidityOnce.Do(func() {
		liquidityReg = &LiquidityMetrics{
			reserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "liquidity",
				Name:      "tracked_units",
				Help:      "Tracked reserve in smallest units.",
			}, []string{"engine", "asset"}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "liquidity",
				Name:      "custody_units",
				Help:      "Custodial balance in smallest units.",
			}, []string{"engine", "asset"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "liquidity",
				Name:      "utilization_ratio",
				Help:      "Tracked reserve divided by custodial balance.",
			}, []string{"engine", "asset"}),
		}
		prometheus.MustRegister(liquidityReg.reserve, liquidityReg.balance, liquidityReg.utilization)
	})
	return liquidityReg
}

// Record publishes one health observation.
func (m *LiquidityMetrics) Record(engine, asset string, tracked, balance *big.Int, utilizationBps uint64) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.reserve.WithLabelValues(engine, label).Set(bigToFloat(tracked))
	m.balance.WithLabelValues(engine, label).Set(bigToFloat(balance))
	m.utilization.WithLabelValues(engine, label).Set(float64(utilizationBps) / 10_000)
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelPair(pair string) string {
	trimmed := strings.TrimSpace(pair)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
