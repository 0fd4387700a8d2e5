package conmgr

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dobj/netpoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const maxReadsPerEvent = 16

type closeReason int

const (
	closeLocal closeReason = iota
	closePeer
)

// Connection is a non-blocking stream socket owned by a Manager.
//
// A connection is open, then optionally closing (AsyncClose: queued output
// is flushed first), then closed. Send, AsyncClose and Close are safe for
// concurrent use. Off the loop goroutine, they take effect when the loop
// next runs its ops.
type Connection struct {
	mgr          *Manager
	handler      ConnHandler
	logger       *logiface.Logger[logiface.Event]
	out          []byte
	remote       netip.AddrPort
	id           uint64
	fd           int
	lastActivity atomic.Int64
	mu           sync.Mutex
	closing      bool
	closed       atomic.Bool
	flushQueued  atomic.Bool
}

// ID is unique within the manager.
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) RemoteAddr() netip.AddrPort { return c.remote }

// Manager returns the owning manager.
func (c *Connection) Manager() *Manager { return c.mgr }

// Logger returns the connection's child logger, which may be nil.
func (c *Connection) Logger() *logiface.Logger[logiface.Event] { return c.logger }

// LastActivity is the time of the last read or write progress.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

// IsClosing reports whether AsyncClose was called.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// MessageReceived counts one inbound message, as delimited by the handler.
func (c *Connection) MessageReceived() { c.mgr.counters.msgsIn.Add(1) }

// Send queues p for writing. The bytes are copied.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	if c.closing || c.closed.Load() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.out = append(c.out, p...)
	c.mu.Unlock()

	c.mgr.counters.outbound.Add(int64(len(p)))
	c.mgr.counters.msgsOut.Add(1)
	c.requestFlush()
	return nil
}

// AsyncClose stops accepting output and closes the connection once queued
// output has been written.
func (c *Connection) AsyncClose() {
	c.mu.Lock()
	if c.closing || c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()
	c.requestFlush()
}

// Close closes the connection immediately, discarding queued output. A
// second close is logged and ignored.
func (c *Connection) Close() {
	if c.mgr.onLoop() {
		c.closeNow(closeLocal)
		return
	}
	if err := c.mgr.post(func() { c.closeNow(closeLocal) }); err != nil {
		c.logger.Debug().Err(err).Log("conmgr: close after manager shutdown")
	}
}

func (c *Connection) requestFlush() {
	if c.mgr.onLoop() {
		c.flush(time.Now())
		return
	}
	if c.flushQueued.Swap(true) {
		return
	}
	if err := c.mgr.post(func() {
		c.flushQueued.Store(false)
		c.flush(time.Now())
	}); err != nil {
		c.flushQueued.Store(false)
	}
}

// HandleEvent reads available input into the handler, then writes
// pending output.
func (c *Connection) HandleEvent(when time.Time, events netpoll.IOEvents) int {
	var n int
	if events&(netpoll.EventRead|netpoll.EventHangup|netpoll.EventError) != 0 {
		n = c.read(when)
	}
	if events&netpoll.EventWrite != 0 && !c.closed.Load() {
		c.flush(when)
	}
	return n
}

func (c *Connection) CheckIdle(threshold time.Time) bool {
	return !c.closed.Load() && c.lastActivity.Load() <= threshold.UnixNano()
}

func (c *Connection) BecameIdle() {
	c.logger.Info().
		Time("last_activity", c.LastActivity()).
		Log("conmgr: closing idle connection")
	c.closeNow(closeLocal)
}

func (c *Connection) read(when time.Time) int {
	buf := c.mgr.readBuf
	var total int
	for i := 0; i < maxReadsPerEvent && !c.closed.Load(); i++ {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			total += n
			c.lastActivity.Store(when.UnixNano())
			c.mgr.recordIn(n, 0)
			if c.IsClosing() {
				continue
			}
			c.mgr.safeRun(func() { c.handler.HandleData(c, buf[:n]) })
			continue
		}
		switch {
		case err == nil:
			c.logger.Debug().Log("conmgr: peer closed connection")
			c.closeNow(closePeer)
		case errors.Is(err, unix.EAGAIN):
			return total
		case errors.Is(err, unix.EINTR):
			continue
		default:
			c.logger.Err().Err(err).Log("conmgr: read failed")
			c.closeNow(closePeer)
		}
		return total
	}
	return total
}

// flush writes as much queued output as the socket accepts, must be called
// on the loop goroutine.
func (c *Connection) flush(when time.Time) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	var werr error
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if n > 0 {
			c.out = c.out[n:]
			c.lastActivity.Store(when.UnixNano())
			c.mgr.counters.outbound.Add(-int64(n))
			c.mgr.recordOut(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			werr = err
		}
		break
	}
	pending := len(c.out)
	if pending == 0 {
		c.out = nil
	}
	closing := c.closing
	c.mu.Unlock()

	switch {
	case werr != nil:
		c.logger.Err().Err(werr).Log("conmgr: write failed")
		c.closeNow(closePeer)
	case pending == 0 && closing:
		c.closeNow(closeLocal)
	case pending == 0:
		c.mgr.setInterest(c.fd, netpoll.EventRead)
	default:
		c.mgr.setInterest(c.fd, netpoll.EventRead|netpoll.EventWrite)
	}
}

// closeNow releases the socket, must be called on the loop goroutine.
func (c *Connection) closeNow(reason closeReason) {
	if c.closed.Swap(true) {
		c.logger.Warning().Log("conmgr: connection closed twice")
		return
	}

	c.mu.Lock()
	dropped := len(c.out)
	c.out = nil
	c.mu.Unlock()

	c.mgr.release(c, reason, dropped)
	if c.handler != nil {
		c.mgr.safeRun(func() { c.handler.ConnectionClosed(c) })
	}
}
