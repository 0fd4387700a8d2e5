package conmgr

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joeycumines/go-dobj/conmgr"

// Stats is a snapshot of a manager's state and cumulative counters.
type Stats struct {
	Listeners []ListenerStats
	// Connections currently open.
	Connections int
	// Handlers registered with the selector, acceptors included.
	Handlers int
	// PendingOps queued for the loop goroutine.
	PendingOps int
	// OutboundBytes queued but not yet written.
	OutboundBytes int64
	Connects      uint64
	Disconnects   uint64
	Closes        uint64
	Refused       uint64
	BytesIn       uint64
	BytesOut      uint64
	MsgsIn        uint64
	MsgsOut       uint64
}

// ListenerStats describes one bound acceptor.
type ListenerStats struct {
	Network  string
	Addr     netip.AddrPort
	Accepted uint64
}

// Clone returns a deep copy.
func (x Stats) Clone() Stats {
	x.Listeners = slices.Clone(x.Listeners)
	return x
}

type counters struct {
	outbound    atomic.Int64
	connects    atomic.Uint64
	disconnects atomic.Uint64
	closes      atomic.Uint64
	refused     atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	msgsIn      atomic.Uint64
	msgsOut     atomic.Uint64
}

type instruments struct {
	connections metric.Int64UpDownCounter
	closed      metric.Int64Counter
	refused     metric.Int64Counter
	bytes       metric.Int64Counter
}

var (
	directionIn  = metric.WithAttributes(attribute.String("direction", "in"))
	directionOut = metric.WithAttributes(attribute.String("direction", "out"))
	reasonPeer   = metric.WithAttributes(attribute.String("reason", "peer"))
	reasonLocal  = metric.WithAttributes(attribute.String("reason", "local"))
)

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		x   instruments
		err error
	)
	if x.connections, err = meter.Int64UpDownCounter("conmgr.connections.open",
		metric.WithDescription("Open connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("conmgr: create connections counter: %w", err)
	}
	if x.closed, err = meter.Int64Counter("conmgr.connections.closed",
		metric.WithDescription("Connections closed, by reason"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("conmgr: create closed counter: %w", err)
	}
	if x.refused, err = meter.Int64Counter("conmgr.accepts.refused",
		metric.WithDescription("Connections refused by accept rate limits"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("conmgr: create refused counter: %w", err)
	}
	if x.bytes, err = meter.Int64Counter("conmgr.io.bytes",
		metric.WithDescription("Bytes transferred, by direction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("conmgr: create bytes counter: %w", err)
	}
	return &x, nil
}

func (m *Manager) recordIn(n int, msgs uint64) {
	if n > 0 {
		m.counters.bytesIn.Add(uint64(n))
		m.metrics.bytes.Add(context.Background(), int64(n), directionIn)
	}
	m.counters.msgsIn.Add(msgs)
}

func (m *Manager) recordOut(n int) {
	if n > 0 {
		m.counters.bytesOut.Add(uint64(n))
		m.metrics.bytes.Add(context.Background(), int64(n), directionOut)
	}
}
