package sockets

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/resource"
)

const metricsNamespace = "wasi_sockets"

// Metrics records socket state transitions and operation failures.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	open        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. Collectors
// already registered by another Metrics on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tcp",
			Name:      "transitions_total",
			Help:      "TCP socket state transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tcp",
			Name:      "errors_total",
			Help:      "Failed TCP socket operations by error code.",
		}, []string{"op", "code"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "tcp",
			Name:      "open_sockets",
			Help:      "TCP socket handles currently held in resource tables.",
		}),
	}

	var err error
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.open, err = register(reg, m.open); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	var e *errs.Error
	if !stderrors.As(err, &e) || e.Code.Transient() {
		return
	}
	m.failures.WithLabelValues(string(e.Op), e.Code.String()).Inc()
}

// Observer returns a resource observer that tracks live socket handles.
func (m *Metrics) Observer() resource.Observer {
	return resource.ObserverFunc(func(e resource.Event) {
		if m == nil || e.Kind != resource.KindTCPSocket {
			return
		}
		switch e.Type {
		case resource.EventCreated:
			m.open.Inc()
		case resource.EventDropped:
			m.open.Dec()
		}
	})
}
