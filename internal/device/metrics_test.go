package device

import (
	"context"
	"sync"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/scull/internal/caller"
	"github.com/msageha/scull/internal/events"
	"github.com/msageha/scull/internal/model"
)

func TestMetrics_CountDispatches(t *testing.T) {
	reg := prom.NewRegistry()
	d := New(model.Config{Registry: model.RegistryConfig{MaxEntries: 1}}, nil)
	d.SetDefaultProvider(caller.Static{PID: 1, TGID: 1})
	require.NoError(t, d.RegisterMetrics("scull", reg))

	ctx := context.Background()
	_, _ = d.Dispatch(ctx, Request{Op: OpSet, Arg: intp(12)})
	_, _ = d.Dispatch(ctx, Request{Op: OpSet})
	_, _ = d.Dispatch(ctx, Request{Op: "nope"})
	_, _ = d.Dispatch(ctx, Request{Op: OpObserve})
	_, _ = d.Dispatch(ctx, Request{Op: OpObserve, Caller: caller.Static{PID: 2, TGID: 2}})

	m := d.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("set", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("set", "INVALID_ARGUMENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("unsupported", "UNSUPPORTED_OPERATION")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("observe", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registryFullTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	gauges := map[string]float64{}
	for _, f := range families {
		if f.GetName() == "scull_quantum" || f.GetName() == "scull_registry_entries" {
			gauges[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 12.0, gauges["scull_quantum"])
	assert.Equal(t, 1.0, gauges["scull_registry_entries"])
}

func TestMetrics_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first := New(model.Config{}, nil)
	second := New(model.Config{}, nil)

	require.NoError(t, first.RegisterMetrics("scull", reg))
	require.NoError(t, second.RegisterMetrics("scull", reg))

	_, _ = first.Dispatch(context.Background(), Request{Op: OpGet})
	_, _ = second.Dispatch(context.Background(), Request{Op: OpGet})

	assert.Equal(t, 2.0, testutil.ToFloat64(second.metrics.dispatchTotal.WithLabelValues("get", "ok")))
}

func TestMetrics_EventsDropped(t *testing.T) {
	reg := prom.NewRegistry()
	d := New(model.Config{}, nil)
	bus := events.NewBus(1)
	d.SetEventBus(bus)
	require.NoError(t, d.RegisterMetrics("scull", reg))

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(events.Event) {
		once.Do(func() { close(started) })
		<-block
	}, events.EventQuantumChanged)

	ctx := context.Background()
	_, _ = d.Dispatch(ctx, Request{Op: OpSet, Arg: intp(1)})
	<-started
	_, _ = d.Dispatch(ctx, Request{Op: OpSet, Arg: intp(2)})
	_, _ = d.Dispatch(ctx, Request{Op: OpSet, Arg: intp(3)})

	families, err := reg.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, f := range families {
		if f.GetName() == "scull_events_dropped_total" {
			dropped = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, dropped)

	close(block)
	bus.Close()
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.observe(OpGet, nil)
	m.registryFailed()
}
