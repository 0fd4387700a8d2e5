// Package dobj implements distributed objects and the event manager that
// owns them.
//
// Every mutation of every object registered with a Manager is expressed as an
// Event, posted to the manager's queue from any goroutine, and applied in
// queue order by a single dispatch goroutine (the one calling Manager.Run),
// which then notifies the target object's subscribers. That total order is
// the only consistency mechanism: objects carry no locks, and only the
// dispatch goroutine may touch their state.
//
// Requests are fire-and-forget. A request that cannot be applied, such as
// adding a reference to an object that has since been destroyed, is dropped
// at apply time with a diagnostic, and the requester is not told.
package dobj

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-dobj/internal/goroutineid"
	"github.com/joeycumines/logiface"
)

// refKey identifies one oid list holding a reference.
type refKey struct {
	list     string
	referrer Oid
}

// Manager owns a registry of distributed objects and the dispatch loop
// applying events to them. Multiple managers are fully independent.
type Manager struct {
	logger   *logiface.Logger[logiface.Event]
	metrics  *instruments
	wake     chan struct{}
	done     chan struct{}
	objects  map[Oid]*DObject
	refs     map[Oid]map[refKey]struct{}
	queue    eventQueue
	counters counters
	nextOid  Oid
	queueMu  sync.Mutex
	regMu    sync.RWMutex
	doneOnce sync.Once
	state    fastState
	harsh    atomic.Bool
	epoch    atomic.Uint64
	dispatch atomic.Uint64
}

// New creates a Manager. It does not start dispatching until Run is called,
// but accepts registrations and posts immediately.
func New(opts ...Option) (*Manager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	metrics, err := newInstruments(cfg.meterProvider)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:  cfg.logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		objects: make(map[Oid]*DObject),
		refs:    make(map[Oid]map[refKey]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() ManagerState { return m.state.Load() }

// Done is closed once the manager has terminated.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Epoch returns the shutdown generation. It is incremented when any shutdown
// begins, invalidating every interval scheduled before it.
func (m *Manager) Epoch() uint64 { return m.epoch.Load() }

// IsDispatchGoroutine reports whether the caller is the dispatch goroutine.
func (m *Manager) IsDispatchGoroutine() bool {
	id := m.dispatch.Load()
	return id != 0 && id == goroutineid.Get()
}

// RegisterObject assigns the object an oid and adds it to the registry. Any
// initial oid lists are indexed, dropping references to unknown or
// destroyed objects. An ObjectAddedEvent is then posted to the object.
func (m *Manager) RegisterObject(obj *DObject) (Oid, error) {
	if obj == nil {
		return 0, ErrInvalidEvent
	}
	if m.harsh.Load() || m.state.Load() == StateTerminated {
		return 0, ErrManagerTerminated
	}

	m.regMu.Lock()
	if obj.mgr != nil {
		m.regMu.Unlock()
		return 0, ErrAlreadyRegistered
	}
	m.nextOid++
	oid := m.nextOid
	obj.oid = oid
	obj.mgr = m
	m.objects[oid] = obj
	for name, v := range obj.attrs {
		list, ok := v.([]Oid)
		if !ok {
			continue
		}
		kept := make([]Oid, 0, len(list))
		for _, ref := range list {
			if target := m.objects[ref]; target == nil || target.destroyed.Load() || containsOid(kept, ref) {
				m.logger.Debug().
					Uint64("oid", uint64(oid)).
					Str("list", name).
					Uint64("ref", uint64(ref)).
					Log("dobj: dropped initial reference")
				continue
			}
			kept = append(kept, ref)
			m.indexLocked(ref, oid, name)
		}
		obj.attrs[name] = kept
	}
	m.regMu.Unlock()

	_ = m.push(unit{ev: &ObjectAddedEvent{EventHeader: EventHeader{Oid: oid}}})
	return oid, nil
}

// Object returns a registered object. Objects are removed from the registry
// when their destroy event is applied.
func (m *Manager) Object(oid Oid) (*DObject, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	obj, ok := m.objects[oid]
	return obj, ok
}

// PostEvent enqueues an event. It is safe for concurrent use. Posts are
// accepted until the manager terminates, including while a graceful
// shutdown drains the queue.
func (m *Manager) PostEvent(ev Event) error {
	if ev == nil || ev.Target() == 0 {
		return ErrInvalidEvent
	}
	return m.push(unit{ev: ev})
}

// PostRunnable enqueues fn, to be run on the dispatch goroutine.
func (m *Manager) PostRunnable(fn func()) error {
	if fn == nil {
		return ErrInvalidEvent
	}
	return m.push(unit{fn: fn})
}

// Destroy synchronously marks the object destroyed, so that it immediately
// stops being a valid reference target, then enqueues its
// ObjectDestroyedEvent. Destroying an object twice is logged and returns
// ErrAlreadyDestroyed.
func (m *Manager) Destroy(oid Oid) error {
	obj, ok := m.Object(oid)
	if !ok {
		return ErrNoSuchObject
	}
	if obj.destroyed.Swap(true) {
		m.logger.Warning().
			Uint64("oid", uint64(oid)).
			Log("dobj: object destroyed twice")
		return ErrAlreadyDestroyed
	}
	return m.push(unit{ev: &ObjectDestroyedEvent{EventHeader: EventHeader{Oid: oid}}})
}

// push enqueues units as one contiguous run.
func (m *Manager) push(units ...unit) error {
	m.queueMu.Lock()
	if m.harsh.Load() || m.state.Load() == StateTerminated {
		m.queueMu.Unlock()
		return ErrManagerTerminated
	}
	m.queue.PushAll(units)
	m.queueMu.Unlock()

	m.metrics.recordQueued(len(units))
	m.signal()
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run runs the dispatch loop on the calling goroutine, locked to its OS
// thread, until the manager terminates. Cancelling ctx begins a graceful
// shutdown, after which Run returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	if m.IsDispatchGoroutine() {
		return ErrReentrantRun
	}
	if !m.state.TryTransition(StateAwake, StateRunning) {
		if s := m.state.Load(); s == StateTerminating || s == StateTerminated {
			return ErrManagerTerminated
		}
		return ErrManagerAlreadyRunning
	}
	defer m.closeDone()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.dispatch.Store(goroutineid.Get())
	defer m.dispatch.Store(0)

	m.logger.Info().Log("dobj: dispatch loop started")
	err := m.run(ctx)
	m.logger.Info().
		Uint64("applied", m.counters.applied.Load()).
		Uint64("rejected", m.counters.rejected.Load()).
		Log("dobj: dispatch loop stopped")
	return err
}

func (m *Manager) run(ctx context.Context) error {
	var ctxErr error
	for {
		if m.harsh.Load() {
			m.discard()
			return ctxErr
		}

		u, ok, terminated := m.next()
		if terminated {
			return ctxErr
		}
		if ok {
			m.execute(u)
			continue
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			if ctxErr == nil {
				ctxErr = ctx.Err()
				m.beginShutdown()
			}
		}
	}
}

// next pops the next unit. If the queue is empty while terminating, the
// manager transitions to terminated under the queue lock, so no post can
// slip in after the final check.
func (m *Manager) next() (u unit, ok bool, terminated bool) {
	m.queueMu.Lock()
	u, ok = m.queue.Pop()
	if !ok && m.state.Load() == StateTerminating {
		m.state.Store(StateTerminated)
		terminated = true
	}
	m.queueMu.Unlock()
	if ok {
		m.metrics.recordQueued(-1)
	}
	return u, ok, terminated
}

// discard drops everything queued and terminates.
func (m *Manager) discard() {
	m.queueMu.Lock()
	n := m.queue.Discard()
	m.state.Store(StateTerminated)
	m.queueMu.Unlock()

	m.metrics.recordQueued(-n)
	m.counters.discarded.Add(uint64(n))
	if n > 0 {
		m.logger.Warning().
			Int("discarded", n).
			Log("dobj: discarded queued units on harsh shutdown")
	}
}

func (m *Manager) execute(u unit) {
	if u.fn != nil {
		m.counters.runnables.Add(1)
		m.metrics.runnables.Add(context.Background(), 1)
		m.safeExecute(u.fn, nil)
		return
	}
	if !m.safeExecute(func() { m.dispatchEvent(u.ev) }, u.ev) {
		m.reject(u.ev, errApplyPanicked)
	}
}

// safeExecute runs fn, logging and swallowing any panic. It reports whether
// fn returned normally.
func (m *Manager) safeExecute(fn func(), ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b := m.logger.Err().Any("panic", r)
			if ev != nil {
				b = b.Uint64("oid", uint64(ev.Target())).Str("kind", ev.Kind())
			}
			b.Log("dobj: recovered panic on dispatch goroutine")
		}
	}()
	fn()
	return true
}

// HarshShutdown terminates the manager: the unit currently executing (if
// any) completes, everything still queued is discarded, and all intervals
// stop firing. It is idempotent, and does not wait for Run to return.
func (m *Manager) HarshShutdown() {
	if m.harsh.Swap(true) {
		return
	}
	m.epoch.Add(1)
	m.logger.Info().Log("dobj: harsh shutdown")
	for {
		switch m.state.Load() {
		case StateAwake:
			if m.state.TryTransition(StateAwake, StateTerminating) {
				m.discard()
				m.closeDone()
				return
			}
		case StateRunning:
			if m.state.TryTransition(StateRunning, StateTerminating) {
				m.signal()
				return
			}
		default:
			m.signal()
			return
		}
	}
}

// Shutdown gracefully terminates the manager: intervals stop firing, posts
// are still accepted, and Run returns once the queue (including any destroy
// cascades it produces) has drained. Shutdown blocks until then, or until
// ctx is done. A manager that was never run terminates immediately,
// discarding its queue.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.beginShutdown() == StateAwake {
		m.discard()
		m.closeDone()
	}
	if m.IsDispatchGoroutine() {
		return ErrShutdownOnDispatch
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginShutdown moves a running manager to terminating, returning the state
// it found. An awake manager is claimed (moved to terminating) for the caller
// to discard.
func (m *Manager) beginShutdown() ManagerState {
	for {
		current := m.state.Load()
		switch current {
		case StateAwake, StateRunning:
			if m.state.TryTransition(current, StateTerminating) {
				m.epoch.Add(1)
				m.signal()
				m.logger.Info().Log("dobj: graceful shutdown")
				return current
			}
		default:
			return current
		}
	}
}

func (m *Manager) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.queueMu.Lock()
	depth := m.queue.Len()
	m.queueMu.Unlock()

	m.regMu.RLock()
	objects := len(m.objects)
	m.regMu.RUnlock()

	return Stats{
		Objects:    objects,
		QueueDepth: depth,
		Applied:    m.counters.applied.Load(),
		Rejected:   m.counters.rejected.Load(),
		Runnables:  m.counters.runnables.Load(),
		Destroyed:  m.counters.destroyed.Load(),
		Cascaded:   m.counters.cascaded.Load(),
		Discarded:  m.counters.discarded.Load(),
	}
}
