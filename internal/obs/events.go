package obs

import (
	"context"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"mylucky.org/internal/custody"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_events_total",
			Help: "Custody events emitted by vesting schedules and time locks.",
		},
		[]string{"type"},
	)

	releasedAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_amount_total",
			Help: "Base units moved by custody events (approximate, float64).",
		},
		[]string{"type"},
	)

	operationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_operation_failures_total",
			Help: "Failed custody operations by operation and failure kind.",
		},
		[]string{"op", "kind"},
	)
)

// EventSink counts custody events.
type EventSink struct{}

var _ custody.Sink = EventSink{}

func (EventSink) Emit(_ context.Context, evt custody.Event) error {
	eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	if evt.Amount != nil && evt.Amount.Sign() > 0 {
		f, _ := new(big.Float).SetInt(evt.Amount).Float64()
		releasedAmountTotal.WithLabelValues(string(evt.Type)).Add(f)
	}
	return nil
}

// RecordFailure counts a failed operation by its custody kind.
func RecordFailure(op string, err error) {
	if err == nil {
		return
	}
	kind := string(custody.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	operationFailures.WithLabelValues(op, kind).Inc()
}
