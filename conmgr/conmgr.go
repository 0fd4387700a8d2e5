// Package conmgr implements a single-threaded, readiness-driven connection
// manager: non-blocking TCP and UDP acceptors and connections multiplexed
// by a netpoll.Selector, with an idle sweep, accept rate limiting, and
// cross-goroutine operations marshalled onto the loop through an ops queue.
//
// Handlers run inline on the loop goroutine and must not block.
package conmgr

import (
	"errors"
	"net/netip"
	"time"

	"github.com/joeycumines/go-dobj/netpoll"
)

var (
	ErrManagerRunning    = errors.New("conmgr: manager already running")
	ErrManagerClosed     = errors.New("conmgr: manager closed")
	ErrNotLoopGoroutine  = errors.New("conmgr: manager is driven by another goroutine")
	ErrNoListeners       = errors.New("conmgr: no listener could be bound")
	ErrMultiplexerFailed = errors.New("conmgr: multiplexer failed")
	ErrConnectionClosed  = errors.New("conmgr: connection closed")
	ErrNilHandlerFactory = errors.New("conmgr: nil connection handler factory")
)

// NetEventHandler is anything registered with the manager's selector.
type NetEventHandler interface {
	// HandleEvent processes readiness, returning the number of bytes read.
	HandleEvent(when time.Time, events netpoll.IOEvents) int
	// CheckIdle reports whether the handler saw no activity since threshold.
	CheckIdle(threshold time.Time) bool
	// BecameIdle is called by the idle sweep when CheckIdle returned true.
	BecameIdle()
}

// ConnHandler receives the traffic of one Connection, on the loop goroutine.
type ConnHandler interface {
	// HandleData is called with inbound bytes, which are only valid for the
	// duration of the call.
	HandleData(c *Connection, data []byte)
	// ConnectionClosed is called exactly once, after the socket is closed.
	ConnectionClosed(c *Connection)
}

// ConnHandlerFactory creates the handler for a newly registered connection.
type ConnHandlerFactory func(c *Connection) ConnHandler

// DatagramHandler receives datagrams from a UDPAcceptor, on the loop
// goroutine. The data is only valid for the duration of the call.
type DatagramHandler interface {
	HandleDatagram(a *UDPAcceptor, from netip.AddrPort, data []byte)
}

// DatagramHandlerFunc adapts a function to DatagramHandler.
type DatagramHandlerFunc func(a *UDPAcceptor, from netip.AddrPort, data []byte)

func (f DatagramHandlerFunc) HandleDatagram(a *UDPAcceptor, from netip.AddrPort, data []byte) {
	f(a, from, data)
}

type discardHandler struct{}

func (discardHandler) HandleData(*Connection, []byte) {}

func (discardHandler) ConnectionClosed(*Connection) {}

// Config configures a Manager.
type Config struct {
	// Host to bind, empty (or "*") for the IPv4 wildcard.
	Host     string
	TCPPorts []int
	UDPPorts []int
	// IdleTimeout closes connections without I/O for this long. Zero
	// disables the sweep.
	IdleTimeout time.Duration
	// IdleSweepInterval is how often idle connections are swept. Defaults
	// to one second.
	IdleSweepInterval time.Duration
	// PollWait bounds each poll. Zero polls without blocking. Negative
	// blocks until readiness, a wakeup, or the next idle sweep.
	PollWait time.Duration
	// Backlog for TCP listeners, defaults to 128.
	Backlog int
	// ReadBufferSize is the loop's shared read buffer, defaults to 64KiB.
	ReadBufferSize int
	// AcceptLimits are per remote IP accept rates, as catrate windows.
	AcceptLimits map[time.Duration]int
	// AcceptRate is the global accept rate per second, zero for unlimited.
	AcceptRate  float64
	AcceptBurst int
}

func (x Config) withDefaults() Config {
	if x.IdleSweepInterval <= 0 {
		x.IdleSweepInterval = time.Second
	}
	if x.Backlog <= 0 {
		x.Backlog = 128
	}
	if x.ReadBufferSize <= 0 {
		x.ReadBufferSize = 64 << 10
	}
	if x.AcceptRate > 0 && x.AcceptBurst <= 0 {
		x.AcceptBurst = 1
	}
	return x
}
