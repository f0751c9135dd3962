package extension

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	phase         prometheus.Gauge
	commandsBound prometheus.Gauge
	acquireTries  *prometheus.CounterVec
	saves         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tidysave",
			Name:      "extension_phase",
			Help:      "Lifecycle phase: 0 idle, 1 starting, 2 running, 3 stopping.",
		}),
		commandsBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tidysave",
			Name:      "commands_bound",
			Help:      "Commands currently bound to the host command service.",
		}),
		acquireTries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidysave",
			Name:      "service_acquire_attempts_total",
			Help:      "GetService attempts by service and result.",
		}, []string{"service", "result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidysave",
			Name:      "documents_saved_total",
			Help:      "Saves observed after persist, by reason.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m
	}
	m.phase = register(reg, m.phase)
	m.commandsBound = register(reg, m.commandsBound)
	m.acquireTries = register(reg, m.acquireTries)
	m.saves = register(reg, m.saves)
	return m
}

// register registers c on reg, reusing an identical collector that is
// already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
