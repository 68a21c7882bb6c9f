package listener

import (
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultDelivered  = "delivered"
	resultSuppressed = "suppressed"
	resultError      = "error"
)

// Metrics holds Prometheus counters for change-event delivery.
// A nil *Metrics disables collection.
type Metrics struct {
	dispatchTotal *prometheus.CounterVec // By kind and result (delivered/suppressed/error)
}

// NewMetrics creates dispatch metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicetools",
			Subsystem: "listener",
			Name:      "dispatch_total",
			Help:      "Change events offered to registered handlers, by outcome",
		}, []string{"kind", "result"}),
	}
	if err := reg.Register(m.dispatchTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) dispatched(kind registry.Kind, result string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(string(kind), result).Inc()
}
