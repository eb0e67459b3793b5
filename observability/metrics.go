package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	stakingMetricsOnce sync.Once
	stakingRegistry    *StakingMetrics
)

// API returns the lazily-initialised registry recording stakingd HTTP
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakepool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
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

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *apiMetrics) RecordThrottle(route, reason string) {
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

// StakingMetrics tracks pool activity derived from engine events.
type StakingMetrics struct {
	operations     *prometheus.CounterVec
	volume         *prometheus.CounterVec
	totalDeposited prometheus.Gauge
	vaultBalance   prometheus.Gauge
	paused         prometheus.Gauge
}

// Staking returns the lazily-initialised staking metrics registry.
func Staking() *StakingMetrics {
	stakingMetricsOnce.Do(func() {
		stakingRegistry = &StakingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of settled pool operations by kind.",
			}, []string{"operation"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "pool",
				Name:      "token_volume_total",
				Help:      "Token units moved by pool operations, by kind.",
			}, []string{"operation"}),
			totalDeposited: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "pool",
				Name:      "total_deposited",
				Help:      "Principal currently staked across all participants.",
			}),
			vaultBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "pool",
				Name:      "vault_balance",
				Help:      "Ledger balance of the pool vault.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "pool",
				Name:      "paused",
				Help:      "1 while the pool is paused.",
			}),
		}
		prometheus.MustRegister(
			stakingRegistry.operations,
			stakingRegistry.volume,
			stakingRegistry.totalDeposited,
			stakingRegistry.vaultBalance,
			stakingRegistry.paused,
		)
	})
	return stakingRegistry
}

// RecordOperation counts an operation and the token amount it moved.
func (m *StakingMetrics) RecordOperation(operation string, amount uint64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
	if amount > 0 {
		m.volume.WithLabelValues(operation).Add(float64(amount))
	}
}

// SetPoolState publishes the latest pool totals.
func (m *StakingMetrics) SetPoolState(totalDeposited, vaultBalance uint64, paused bool) {
	if m == nil {
		return
	}
	m.totalDeposited.Set(float64(totalDeposited))
	m.vaultBalance.Set(float64(vaultBalance))
	m.SetPaused(paused)
}

// SetPaused publishes the pause flag.
func (m *StakingMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}
