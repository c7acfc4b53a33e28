package device

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics exports dispatch counters and device gauges to Prometheus.
type Metrics struct {
	dispatchTotal     *prom.CounterVec
	registryFullTotal prom.Counter
}

// RegisterMetrics creates the device collectors on reg (the default
// registerer when nil) and starts counting dispatches. Must be called
// before the device is shared, after SetEventBus.
func (d *Device) RegisterMetrics(namespace string, reg prom.Registerer) error {
	if namespace == "" {
		namespace = "scull"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	dispatchVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Control calls by operation and result code.",
	}, []string{"op", "result"})
	fullCounter := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "registry_full_total",
		Help:      "Observations whose identity could not be registered.",
	})
	quantumGauge := prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "quantum",
		Help:        "Current quantum.",
		ConstLabels: prom.Labels{"device": d.name},
	}, func() float64 { return float64(d.quantum.Get()) })
	entriesGauge := prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "registry_entries",
		Help:        "Distinct caller identities in the task registry.",
		ConstLabels: prom.Labels{"device": d.name},
	}, func() float64 { return float64(d.registry.Len()) })
	droppedCounter := prom.NewCounterFunc(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "events_dropped_total",
		Help:        "Device events not delivered because a subscriber was full.",
		ConstLabels: prom.Labels{"device": d.name},
	}, func() float64 { return float64(d.bus.Dropped()) })

	var err error
	if dispatchVec, err = registerCollector(reg, dispatchVec); err != nil {
		return err
	}
	if fullCounter, err = registerCollector(reg, fullCounter); err != nil {
		return err
	}
	if _, err = registerCollector(reg, quantumGauge); err != nil {
		return err
	}
	if _, err = registerCollector(reg, entriesGauge); err != nil {
		return err
	}
	if _, err = registerCollector(reg, droppedCounter); err != nil {
		return err
	}

	d.metrics = &Metrics{
		dispatchTotal:     dispatchVec,
		registryFullTotal: fullCounter,
	}
	return nil
}

func (m *Metrics) observe(op Op, err error) {
	if m == nil {
		return
	}
	label := string(op)
	if !op.Valid() {
		label = "unsupported"
	}
	result := "ok"
	if err != nil {
		result = ErrorCode(err)
	}
	m.dispatchTotal.WithLabelValues(label, result).Inc()
}

func (m *Metrics) registryFailed() {
	if m == nil {
		return
	}
	m.registryFullTotal.Inc()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
