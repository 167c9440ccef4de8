package filter

import (
	"strings"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/types"
)

// NotifyingFilter decorates a Filter with Vetoed event publication. It
// never changes the result of Evaluate — it only observes it — so wrapping
// or unwrapping a Filter is always safe for callers that don't care about
// the event bus.
type NotifyingFilter struct {
	inner  *Filter
	broker *events.Broker
}

// Notifying wraps f to publish a Vetoed event on the bus whenever Evaluate
// returns a non-empty veto set. The event bus is best-effort: Publish never
// blocks on a slow subscriber, so this never adds latency to the filter's
// hot path beyond enqueueing onto the broker's buffered channel.
func Notifying(f *Filter, broker *events.Broker) *NotifyingFilter {
	return &NotifyingFilter{inner: f, broker: broker}
}

// ReserveExecutor delegates to the wrapped Filter's executor reservation.
func (n *NotifyingFilter) ReserveExecutor(slot types.Resources) types.Resources {
	return n.inner.ReserveExecutor(slot)
}

func (n *NotifyingFilter) Evaluate(slot types.Resources, host string, attrs types.HostAttributes, task types.TaskConfig, taskID string) ([]Veto, error) {
	vetoes, err := n.inner.Evaluate(slot, host, attrs, task, taskID)
	if err != nil {
		return nil, err
	}
	if len(vetoes) > 0 {
		metrics.VetoesTotal.WithLabelValues(vetoSummary(vetoes)).Inc()
		if n.broker != nil {
			n.broker.Publish(&events.Event{
				Type:       events.EventVetoed,
				TaskID:     taskID,
				VetoReason: vetoSummary(vetoes),
			})
		}
	}
	return vetoes, nil
}

func vetoSummary(vetoes []Veto) string {
	reasons := make([]string, len(vetoes))
	for i, v := range vetoes {
		reasons[i] = v.Reason
	}
	return strings.Join(reasons, "; ")
}
