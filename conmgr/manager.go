package conmgr

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-dobj/internal/goroutineid"
	"github.com/joeycumines/go-dobj/netpoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

// Manager owns the selector, acceptors and connections. Everything
// registered with the selector is touched only by the loop goroutine: the
// one calling Run, or Tick.
type Manager struct {
	cfg        Config
	id         uuid.UUID
	logger     *logiface.Logger[logiface.Event]
	metrics    *instruments
	selector   *netpoll.Selector
	newHandler ConnHandlerFactory
	datagrams  DatagramHandler
	perIP      *catrate.Limiter
	global     *rate.Limiter
	done       chan struct{}
	handlers   map[int]NetEventHandler
	conns      map[uint64]*Connection
	readBuf    []byte
	acceptors  []acceptor
	ops        []func()
	lastSweep  time.Time
	counters   counters
	connMu     sync.RWMutex
	opsMu      sync.Mutex
	nextID     atomic.Uint64
	loop       atomic.Uint64
	state      atomic.Int32
	stop       atomic.Bool
}

type acceptor interface {
	NetEventHandler
	stats() ListenerStats
	close()
	fileDescriptor() int
}

// New creates a Manager. Call Listen to bind the configured ports, then Run.
func New(cfg Config, opts ...Option) (*Manager, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	metrics, err := newInstruments(o.meterProvider)
	if err != nil {
		return nil, err
	}
	selector, err := netpoll.NewSelector(o.selectorOpts...)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		id:         uuid.New(),
		metrics:    metrics,
		selector:   selector,
		newHandler: o.newHandler,
		datagrams:  o.datagrams,
		done:       make(chan struct{}),
		handlers:   make(map[int]NetEventHandler),
		conns:      make(map[uint64]*Connection),
		readBuf:    make([]byte, cfg.ReadBufferSize),
		lastSweep:  time.Now(),
	}
	m.logger = o.logger.Clone().Str("manager", m.id.String()).Logger()
	if len(cfg.AcceptLimits) != 0 {
		m.perIP = catrate.NewLimiter(cfg.AcceptLimits)
	}
	if cfg.AcceptRate > 0 {
		m.global = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return m, nil
}

// ID identifies this manager instance in logs.
func (m *Manager) ID() uuid.UUID { return m.id }

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Listen binds every configured TCP and UDP port. Failures are logged and
// skipped. It returns ErrNoListeners only if ports were configured and none
// could be bound. Listen must be called before the loop starts.
func (m *Manager) Listen() error {
	if m.state.Load() != stateIdle || m.loop.Load() != 0 {
		return ErrManagerRunning
	}

	var configured, bound int
	for _, port := range m.cfg.TCPPorts {
		configured++
		fd, addr, err := listenSocket(true, m.cfg.Host, port, m.cfg.Backlog)
		if err != nil {
			m.logger.Err().Err(err).Int("port", port).Log("conmgr: failed to bind tcp port")
			continue
		}
		a := &TCPAcceptor{mgr: m, fd: fd, addr: addr}
		a.logger = m.logger.Clone().Str("listener", "tcp/"+addr.String()).Logger()
		if m.addAcceptor(a) {
			bound++
		}
	}
	for _, port := range m.cfg.UDPPorts {
		configured++
		fd, addr, err := listenSocket(false, m.cfg.Host, port, 0)
		if err != nil {
			m.logger.Err().Err(err).Int("port", port).Log("conmgr: failed to bind udp port")
			continue
		}
		a := &UDPAcceptor{mgr: m, fd: fd, addr: addr, handler: m.datagrams}
		a.logger = m.logger.Clone().Str("listener", "udp/"+addr.String()).Logger()
		if m.addAcceptor(a) {
			bound++
		}
	}

	if configured > 0 && bound == 0 {
		return ErrNoListeners
	}
	return nil
}

func (m *Manager) addAcceptor(a acceptor) bool {
	fd := a.fileDescriptor()
	if err := m.selector.Register(fd, netpoll.EventRead, a); err != nil {
		m.logger.Err().Err(err).Log("conmgr: failed to register listener")
		a.close()
		return false
	}
	m.handlers[fd] = a
	m.acceptors = append(m.acceptors, a)
	st := a.stats()
	m.logger.Info().
		Str("network", st.Network).
		Str("addr", st.Addr.String()).
		Log("conmgr: listening")
	return true
}

// Addrs returns the bound listener addresses, in Listen order.
func (m *Manager) Addrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(m.acceptors))
	for _, a := range m.acceptors {
		addrs = append(addrs, a.stats().Addr)
	}
	return addrs
}

// Adopt registers an already connected socket as a Connection. The fd must
// be non-blocking, and is owned by the manager from then on.
func (m *Manager) Adopt(fd int, remote netip.AddrPort) (*Connection, error) {
	c := &Connection{mgr: m, fd: fd, remote: remote, id: m.nextID.Add(1)}
	c.logger = m.logger.Clone().
		Uint64("conn", c.id).
		Str("remote", remote.String()).
		Logger()
	c.lastActivity.Store(time.Now().UnixNano())
	if m.onLoop() {
		return c, m.register(c)
	}
	if err := m.post(func() { _ = m.register(c) }); err != nil {
		_ = unix.Close(fd)
		c.closed.Store(true)
		return nil, err
	}
	return c, nil
}

func (m *Manager) register(c *Connection) error {
	if err := m.selector.Register(c.fd, netpoll.EventRead, c); err != nil {
		c.logger.Err().Err(err).Log("conmgr: failed to register connection")
		_ = unix.Close(c.fd)
		c.closed.Store(true)
		return err
	}
	m.handlers[c.fd] = c
	m.connMu.Lock()
	m.conns[c.id] = c
	m.connMu.Unlock()
	m.counters.connects.Add(1)
	m.metrics.connections.Add(context.Background(), 1)
	c.handler = m.newHandler(c)
	c.logger.Debug().Log("conmgr: connection registered")
	return nil
}

// release unregisters and closes a connection's socket.
func (m *Manager) release(c *Connection, reason closeReason, dropped int) {
	if err := m.selector.Unregister(c.fd); err != nil && !errors.Is(err, netpoll.ErrFDNotRegistered) {
		c.logger.Warning().Err(err).Log("conmgr: failed to unregister connection")
	}
	delete(m.handlers, c.fd)
	if err := unix.Close(c.fd); err != nil {
		c.logger.Warning().Err(err).Log("conmgr: close failed")
	}
	m.connMu.Lock()
	_, registered := m.conns[c.id]
	delete(m.conns, c.id)
	m.connMu.Unlock()
	m.counters.outbound.Add(-int64(dropped))

	if !registered {
		return
	}
	m.metrics.connections.Add(context.Background(), -1)
	if reason == closePeer {
		m.counters.disconnects.Add(1)
		m.metrics.closed.Add(context.Background(), 1, reasonPeer)
	} else {
		m.counters.closes.Add(1)
		m.metrics.closed.Add(context.Background(), 1, reasonLocal)
	}
	c.logger.Debug().Int("dropped", dropped).Log("conmgr: connection closed")
}

func (m *Manager) setInterest(fd int, events netpoll.IOEvents) {
	if err := m.selector.Modify(fd, events); err != nil {
		m.logger.Debug().Err(err).Int("fd", fd).Log("conmgr: failed to modify interest")
	}
}

// Connections returns the currently open connections.
func (m *Manager) Connections() []*Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) onLoop() bool {
	id := m.loop.Load()
	return id != 0 && id == goroutineid.Get()
}

// post queues fn to run on the loop goroutine.
func (m *Manager) post(fn func()) error {
	m.opsMu.Lock()
	if m.state.Load() == stateClosed {
		m.opsMu.Unlock()
		return ErrManagerClosed
	}
	m.ops = append(m.ops, fn)
	m.opsMu.Unlock()
	if err := m.selector.Wakeup(); err != nil {
		m.logger.Debug().Err(err).Log("conmgr: wakeup failed")
	}
	return nil
}

func (m *Manager) runOps() {
	m.opsMu.Lock()
	ops := m.ops
	m.ops = nil
	m.opsMu.Unlock()
	for _, fn := range ops {
		m.safeRun(fn)
	}
}

func (m *Manager) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Err().Any("panic", r).Log("conmgr: recovered panic on loop goroutine")
		}
	}()
	fn()
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until Shutdown is called, ctx is done, or the multiplexer fails. The
// manager is shut down in order before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateIdle, stateRunning) {
		if m.state.Load() == stateClosed {
			return ErrManagerClosed
		}
		return ErrManagerRunning
	}
	id := goroutineid.Get()
	if !m.loop.CompareAndSwap(0, id) && m.loop.Load() != id {
		m.state.Store(stateIdle)
		return ErrNotLoopGoroutine
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, func() { _ = m.selector.Wakeup() })
	defer stop()

	m.logger.Info().Log("conmgr: loop started")
	for {
		if ctx.Err() != nil {
			m.shutdown()
			return ctx.Err()
		}
		if m.stop.Load() {
			m.shutdown()
			return nil
		}
		if err := m.tick(time.Now); err != nil {
			return err
		}
	}
}

// Tick runs a single loop iteration, for callers driving the loop
// themselves. The first goroutine to call Tick (or Run) becomes the loop
// goroutine. now stamps the iteration's activity and idle sweep.
func (m *Manager) Tick(now time.Time) error {
	if m.state.Load() == stateClosed {
		return ErrManagerClosed
	}
	id := goroutineid.Get()
	if !m.loop.CompareAndSwap(0, id) && m.loop.Load() != id {
		return ErrNotLoopGoroutine
	}
	if m.stop.Load() {
		m.shutdown()
		return nil
	}
	return m.tick(func() time.Time { return now })
}

func (m *Manager) tick(clock func() time.Time) error {
	m.runOps()

	n, status, err := m.selector.Select(m.pollTimeout())
	switch status {
	case netpoll.StatusIOError:
		m.logger.Err().Err(err).Log("conmgr: poll failed")
	case netpoll.StatusRuntimeFailure:
		m.logger.Warning().
			Err(err).
			Int("failures", m.selector.Failures()).
			Log("conmgr: multiplexer failure")
	case netpoll.StatusFatal:
		m.logger.Crit().Err(err).Log("conmgr: multiplexer failed, shutting down")
		m.shutdown()
		return fmt.Errorf("%w: %w", ErrMultiplexerFailed, err)
	}

	now := clock()
	for k, ok := m.selector.NextReady(); ok; k, ok = m.selector.NextReady() {
		h, _ := k.Attachment.(NetEventHandler)
		if h == nil {
			continue
		}
		m.safeRun(func() { h.HandleEvent(now, k.Events) })
	}
	if n == 0 && m.cfg.PollWait == 0 {
		runtime.Gosched()
	}

	m.runOps()
	if m.cfg.IdleTimeout > 0 && now.Sub(m.lastSweep) >= m.cfg.IdleSweepInterval {
		m.lastSweep = now
		m.sweep(now.Add(-m.cfg.IdleTimeout))
	}
	return nil
}

func (m *Manager) pollTimeout() time.Duration {
	m.opsMu.Lock()
	pending := len(m.ops)
	m.opsMu.Unlock()
	wait := m.cfg.PollWait
	if pending > 0 || wait == 0 {
		return 0
	}
	if m.cfg.IdleTimeout > 0 && (wait < 0 || wait > m.cfg.IdleSweepInterval) {
		return m.cfg.IdleSweepInterval
	}
	return wait
}

// sweep closes every handler idle since threshold.
func (m *Manager) sweep(threshold time.Time) {
	idle := make([]NetEventHandler, 0)
	for _, h := range m.handlers {
		if h.CheckIdle(threshold) {
			idle = append(idle, h)
		}
	}
	for _, h := range idle {
		m.safeRun(h.BecameIdle)
	}
}

// allowAccept applies the global, then per remote IP, accept rate limits.
func (m *Manager) allowAccept(addr netip.Addr) bool {
	if m.global != nil && !m.global.Allow() {
		m.logger.Warning().Str("remote", addr.String()).Log("conmgr: global accept rate exceeded")
		return false
	}
	if next, ok := m.perIP.Allow(addr); !ok {
		m.logger.Warning().
			Str("remote", addr.String()).
			Time("retry_after", next).
			Log("conmgr: accept rate exceeded")
		return false
	}
	return true
}

func (m *Manager) refuse() {
	m.counters.refused.Add(1)
	m.metrics.refused.Add(context.Background(), 1)
}

// Shutdown stops the loop, which closes every connection and listener
// before Run returns. A manager that was never run is shut down inline.
// It does not wait, see Done.
func (m *Manager) Shutdown() {
	if m.stop.Swap(true) {
		return
	}
	if m.loop.Load() == 0 && m.state.CompareAndSwap(stateIdle, stateRunning) {
		m.shutdown()
		return
	}
	_ = m.selector.Wakeup()
}

// shutdown runs remaining ops, flushes what the sockets accept, then closes
// everything. It is idempotent.
func (m *Manager) shutdown() {
	m.opsMu.Lock()
	if m.state.Load() == stateClosed {
		m.opsMu.Unlock()
		return
	}
	m.state.Store(stateClosed)
	ops := m.ops
	m.ops = nil
	m.opsMu.Unlock()

	for _, fn := range ops {
		m.safeRun(fn)
	}
	for _, c := range m.Connections() {
		c.flush(time.Now())
		if !c.closed.Load() {
			c.closeNow(closeLocal)
		}
	}
	for _, a := range m.acceptors {
		_ = m.selector.Unregister(a.fileDescriptor())
		delete(m.handlers, a.fileDescriptor())
		a.close()
	}
	if err := m.selector.Close(); err != nil {
		m.logger.Warning().Err(err).Log("conmgr: failed to close selector")
	}
	st := m.Stats()
	m.logger.Info().
		Uint64("connects", st.Connects).
		Uint64("closes", st.Closes).
		Uint64("disconnects", st.Disconnects).
		Log("conmgr: shut down")
	close(m.done)
}

// Stats returns a snapshot. It is safe for concurrent use.
func (m *Manager) Stats() Stats {
	m.connMu.RLock()
	conns := len(m.conns)
	m.connMu.RUnlock()
	m.opsMu.Lock()
	pending := len(m.ops)
	m.opsMu.Unlock()

	st := Stats{
		Connections:   conns,
		Handlers:      conns + len(m.acceptors),
		PendingOps:    pending,
		OutboundBytes: m.counters.outbound.Load(),
		Connects:      m.counters.connects.Load(),
		Disconnects:   m.counters.disconnects.Load(),
		Closes:        m.counters.closes.Load(),
		Refused:       m.counters.refused.Load(),
		BytesIn:       m.counters.bytesIn.Load(),
		BytesOut:      m.counters.bytesOut.Load(),
		MsgsIn:        m.counters.msgsIn.Load(),
		MsgsOut:       m.counters.msgsOut.Load(),
	}
	for _, a := range m.acceptors {
		st.Listeners = append(st.Listeners, a.stats())
	}
	return st
}
