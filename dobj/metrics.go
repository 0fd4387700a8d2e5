package dobj

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joeycumines/go-dobj/dobj"

// Stats is a point-in-time snapshot of a manager's counters.
type Stats struct {
	Objects    int
	QueueDepth int
	Applied    uint64
	Rejected   uint64
	Runnables  uint64
	Destroyed  uint64
	Cascaded   uint64
	Discarded  uint64
}

type counters struct {
	applied   atomic.Uint64
	rejected  atomic.Uint64
	runnables atomic.Uint64
	destroyed atomic.Uint64
	cascaded  atomic.Uint64
	discarded atomic.Uint64
}

type instruments struct {
	applied   metric.Int64Counter
	rejected  metric.Int64Counter
	runnables metric.Int64Counter
	cascaded  metric.Int64Counter
	queued    metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		x   instruments
		err error
	)
	if x.applied, err = meter.Int64Counter("dobj.events.applied",
		metric.WithDescription("Events applied to distributed objects"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("dobj: create applied counter: %w", err)
	}
	if x.rejected, err = meter.Int64Counter("dobj.events.rejected",
		metric.WithDescription("Events rejected at apply time"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("dobj: create rejected counter: %w", err)
	}
	if x.runnables, err = meter.Int64Counter("dobj.runnables.executed",
		metric.WithDescription("Runnables executed on the dispatch goroutine"),
		metric.WithUnit("{runnable}"),
	); err != nil {
		return nil, fmt.Errorf("dobj: create runnables counter: %w", err)
	}
	if x.cascaded, err = meter.Int64Counter("dobj.references.cascaded",
		metric.WithDescription("Oid removals enqueued by destroy cascades"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("dobj: create cascaded counter: %w", err)
	}
	if x.queued, err = meter.Int64UpDownCounter("dobj.queue.depth",
		metric.WithDescription("Units waiting in the dispatch queue"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, fmt.Errorf("dobj: create queue depth counter: %w", err)
	}
	return &x, nil
}

func kindAttr(ev Event) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", ev.Kind()))
}

func (x *instruments) recordApplied(ev Event) {
	x.applied.Add(context.Background(), 1, kindAttr(ev))
}

func (x *instruments) recordRejected(ev Event) {
	x.rejected.Add(context.Background(), 1, kindAttr(ev))
}

func (x *instruments) recordQueued(delta int) {
	if delta != 0 {
		x.queued.Add(context.Background(), int64(delta))
	}
}
