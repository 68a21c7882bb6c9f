package modification

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used in metrics and lifecycle events.
const (
	opApply     = "apply"
	opRevert    = "revert"
	opReconcile = "reconcile"
)

// Metrics holds Prometheus metrics for modification lifecycles.
// A nil *Metrics disables collection.
type Metrics struct {
	operations *prometheus.CounterVec // By kind, op (apply/revert/reconcile) and result (ok/error)
	active     *prometheus.GaugeVec   // By kind
}

// NewMetrics creates modification metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicetools",
			Subsystem: "modification",
			Name:      "operations_total",
			Help:      "Modification apply, revert and reconcile operations by outcome",
		}, []string{"kind", "op", "result"}),

		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devicetools",
			Name:      "active_modifications",
			Help:      "Modifications currently held by the manager",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) operation(kind Kind, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(string(kind), op, result).Inc()
}

func (m *Metrics) setActive(counts map[Kind]int) {
	if m == nil {
		return
	}
	for _, k := range []Kind{KindDevice, KindEntity, KindMerge} {
		m.active.WithLabelValues(string(k)).Set(float64(counts[k]))
	}
}
