package observability

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	rewardsMetricsOnce sync.Once
	rewardsRegistry    *RewardsdMetrics
)

// HTTP returns the lazily-initialised registry recording public API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total public API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lpm",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for public API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the per-client rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for a route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(route)).Inc()
}

// RewardsdMetrics wraps collectors tracking reward engine health.
type RewardsdMetrics struct {
	recalcDuration   prometheus.Histogram
	positions        *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	vouchers         prometheus.Counter
	voucherAmount    prometheus.Counter
	claimRejections  *prometheus.CounterVec
	dailyBudget      prometheus.Gauge
	activeLiquidity  prometheus.Gauge
	distributed      prometheus.Gauge
	pauseEngaged     prometheus.Gauge
	signerConfigured prometheus.Gauge
}

// Rewardsd exposes the metrics registry for rewardsd.
func Rewardsd() *RewardsdMetrics {
	rewardsMetricsOnce.Do(func() {
		rewardsRegistry = &RewardsdMetrics{
			recalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "recalculation_duration_seconds",
				Help:      "Duration of reward recalculation passes.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}),
			positions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "positions_total",
				Help:      "Positions handled by recalculation passes segmented by outcome.",
			}, []string{"outcome"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "data_source_total",
				Help:      "Reward calculations segmented by the data source they were derived from.",
			}, []string{"source"}),
			vouchers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "vouchers_issued_total",
				Help:      "Count of signed claim vouchers.",
			}),
			voucherAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "voucher_tokens_total",
				Help:      "Sum of token amounts authorised by signed vouchers.",
			}),
			claimRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "claim_rejections_total",
				Help:      "Claim requests rejected segmented by reason.",
			}, []string{"reason"}),
			dailyBudget: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "daily_budget_tokens",
				Help:      "Current treasury daily budget in tokens.",
			}),
			activeLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "active_liquidity_usd",
				Help:      "Total USD value of active positions after the last pass.",
			}),
			distributed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "distributed_tokens",
				Help:      "Accumulated rewards across every ledger record.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "pause_engaged",
				Help:      "Indicates whether voucher issuance is paused (1) or not (0).",
			}),
			signerConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpm",
				Subsystem: "rewardsd",
				Name:      "signer_configured",
				Help:      "Indicates whether the calculator signing key is loaded (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.recalcDuration,
			rewardsRegistry.positions,
			rewardsRegistry.fallbacks,
			rewardsRegistry.vouchers,
			rewardsRegistry.voucherAmount,
			rewardsRegistry.claimRejections,
			rewardsRegistry.dailyBudget,
			rewardsRegistry.activeLiquidity,
			rewardsRegistry.distributed,
			rewardsRegistry.pauseEngaged,
			rewardsRegistry.signerConfigured,
		)
	})
	return rewardsRegistry
}

// ObserveRecalculation records the duration of a pass.
func (m *RewardsdMetrics) ObserveRecalculation(d time.Duration) {
	if m == nil {
		return
	}
	m.recalcDuration.Observe(d.Seconds())
}

// RecordPositions adds n positions to the outcome counter.
func (m *RewardsdMetrics) RecordPositions(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.positions.WithLabelValues(labelOrUnknown(outcome)).Add(float64(n))
}

// RecordSource counts a calculation derived from the given data source.
func (m *RewardsdMetrics) RecordSource(source string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(labelOrUnknown(source)).Inc()
}

// RecordVoucher counts an issued voucher and its token amount.
func (m *RewardsdMetrics) RecordVoucher(tokens float64) {
	if m == nil {
		return
	}
	m.vouchers.Inc()
	if tokens > 0 && !math.IsInf(tokens, 0) {
		m.voucherAmount.Add(tokens)
	}
}

// RecordRejection increments the claim rejection counter for the supplied reason.
func (m *RewardsdMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.claimRejections.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// RecordProgram updates the program gauges after a pass.
func (m *RewardsdMetrics) RecordProgram(dailyBudget, activeLiquidity, distributed float64) {
	if m == nil {
		return
	}
	m.dailyBudget.Set(dailyBudget)
	m.activeLiquidity.Set(activeLiquidity)
	m.distributed.Set(distributed)
}

// SetPause toggles the pause_engaged gauge.
func (m *RewardsdMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	m.pauseEngaged.Set(boolGauge(engaged))
}

// SetSigner toggles the signer_configured gauge.
func (m *RewardsdMetrics) SetSigner(configured bool) {
	if m == nil {
		return
	}
	m.signerConfigured.Set(boolGauge(configured))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func labelOrUnknown(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
