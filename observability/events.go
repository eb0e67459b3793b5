package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakepool/core/events"
	"stakepool/core/types"
)

type eventMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of ledger transfers segmented by asset and signer.",
			}, []string{"asset", "signer"}),
		}
		prometheus.MustRegister(eventRegistry.transfers)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset, signer string) {
	if m == nil {
		return
	}
	normalized := types.NormalizeSymbol(asset)
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	if signer == "" {
		signer = "mint"
	}
	m.transfers.WithLabelValues(normalized, signer).Inc()
}

// MetricsEmitter turns ledger and pool events into Prometheus samples.
type MetricsEmitter struct{}

// Emit implements events.Emitter.
func (MetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	attrs := payload.Attributes
	switch payload.Type {
	case events.TypeTransfer:
		signer := attrs["signer"]
		if attrs["from"] == "" {
			signer = ""
		}
		Events().RecordTransfer(attrs["asset"], signer)
	case events.TypeStakeDeposited:
		Staking().RecordOperation("deposit", parseAmount(attrs["amount"]))
	case events.TypeStakeWithdrawn:
		Staking().RecordOperation("withdraw", parseAmount(attrs["amount"]))
	case events.TypeStakeRewardClaimed:
		Staking().RecordOperation("claim", parseAmount(attrs["amount"]))
	case events.TypeVaultFunded:
		Staking().RecordOperation("fund", parseAmount(attrs["amount"]))
	case events.TypePoolPaused:
		Staking().RecordOperation("pause", 0)
		Staking().SetPaused(attrs["paused"] == "true")
	case events.TypePoolOpened:
		Staking().RecordOperation("open", 0)
	}
}

func parseAmount(raw string) uint64 {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
