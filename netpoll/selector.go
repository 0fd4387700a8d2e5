package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Key is a ready registration, as returned by Selector.NextReady.
type Key struct {
	Attachment any
	reg        *registration
	FD         int
	Events     IOEvents
}

type registration struct {
	attachment any
	interest   IOEvents
}

// Selector multiplexes readiness over many descriptors.
//
// Registration methods, Select and NextReady must be called from a single
// goroutine (the owner's loop). Wakeup and Close may be called from any
// goroutine.
type Selector struct {
	poller   Poller
	keys     map[int]*registration
	buf      []Readiness
	ready    []Key
	readyPos int
	failures int
	wakeR    int
	wakeW    int
	closeMu  sync.Mutex
	closed   bool
}

// SelectorOption configures a Selector.
type SelectorOption interface {
	applySelector(*selectorOptions) error
}

type selectorOptions struct {
	poller    Poller
	batchSize int
}

type selectorOptionImpl struct {
	applySelectorFunc func(*selectorOptions) error
}

func (x *selectorOptionImpl) applySelector(opts *selectorOptions) error {
	return x.applySelectorFunc(opts)
}

// WithPoller replaces the platform Poller, which is primarily useful to
// inject failures in tests. The Selector takes ownership of the poller.
func WithPoller(p Poller) SelectorOption {
	return &selectorOptionImpl{func(opts *selectorOptions) error {
		if p == nil {
			return ErrNilPoller
		}
		opts.poller = p
		return nil
	}}
}

// WithBatchSize sets the maximum number of readiness notifications
// retrieved per Select. Defaults to 256.
func WithBatchSize(n int) SelectorOption {
	return &selectorOptionImpl{func(opts *selectorOptions) error {
		if n <= 0 {
			return fmt.Errorf("netpoll: invalid batch size %d", n)
		}
		opts.batchSize = n
		return nil
	}}
}

// NewSelector creates a Selector, including its internal wakeup descriptor.
func NewSelector(opts ...SelectorOption) (*Selector, error) {
	cfg := selectorOptions{batchSize: 256}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySelector(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.poller == nil {
		p, err := newPoller()
		if err != nil {
			return nil, fmt.Errorf("netpoll: create poller: %w", err)
		}
		cfg.poller = p
	}

	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = cfg.poller.Close()
		return nil, fmt.Errorf("netpoll: create wake fd: %w", err)
	}
	if err := cfg.poller.Add(wakeR, EventRead); err != nil {
		closeWakeFd(wakeR, wakeW)
		_ = cfg.poller.Close()
		return nil, fmt.Errorf("netpoll: register wake fd: %w", err)
	}

	return &Selector{
		poller: cfg.poller,
		keys:   make(map[int]*registration),
		buf:    make([]Readiness, cfg.batchSize),
		wakeR:  wakeR,
		wakeW:  wakeW,
	}, nil
}

// Register adds fd with the given interest set and attachment.
func (x *Selector) Register(fd int, events IOEvents, attachment any) error {
	if _, ok := x.keys[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := x.poller.Add(fd, events); err != nil {
		return err
	}
	x.keys[fd] = &registration{attachment: attachment, interest: events}
	return nil
}

// Modify changes the interest set of fd. It is a no-op if unchanged.
func (x *Selector) Modify(fd int, events IOEvents) error {
	reg, ok := x.keys[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if reg.interest == events {
		return nil
	}
	if err := x.poller.Modify(fd, events); err != nil {
		return err
	}
	reg.interest = events
	return nil
}

// Interest returns the current interest set of fd.
func (x *Selector) Interest(fd int) (IOEvents, bool) {
	reg, ok := x.keys[fd]
	if !ok {
		return 0, false
	}
	return reg.interest, true
}

// Unregister removes fd. Ready keys already collected for fd are dropped.
func (x *Selector) Unregister(fd int) error {
	if _, ok := x.keys[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(x.keys, fd)
	return x.poller.Delete(fd)
}

// Len returns the number of registrations.
func (x *Selector) Len() int { return len(x.keys) }

// Failures returns the current consecutive runtime failure count.
func (x *Selector) Failures() int { return x.failures }

// Select polls for readiness, waiting up to timeout (zero for an immediate
// poll, negative to block until readiness or Wakeup). Any ready keys not
// consumed since the previous Select are discarded.
//
// The returned error is non-nil unless the status is StatusOK.
func (x *Selector) Select(timeout time.Duration) (int, Status, error) {
	clear(x.ready[x.readyPos:])
	x.ready = x.ready[:0]
	x.readyPos = 0

	n, err := x.poller.Wait(x.buf, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			x.failures = 0
			return 0, StatusOK, nil
		}
		if !isRuntimeFailure(err) {
			return 0, StatusIOError, err
		}
		x.failures++
		if x.failures >= FailureThreshold {
			return 0, StatusFatal, fmt.Errorf("netpoll: %d consecutive failures: %w", x.failures, err)
		}
		return 0, StatusRuntimeFailure, err
	}
	x.failures = 0

	for _, r := range x.buf[:n] {
		if r.FD == x.wakeR {
			drainWakeFd(x.wakeR)
			continue
		}
		reg, ok := x.keys[r.FD]
		if !ok {
			continue
		}
		x.ready = append(x.ready, Key{FD: r.FD, Events: r.Events, Attachment: reg.attachment, reg: reg})
	}
	return len(x.ready), StatusOK, nil
}

// NextReady consumes the next ready key from the last Select. Each key is
// returned at most once, and keys whose fd was unregistered (or
// re-registered) after the Select are skipped.
func (x *Selector) NextReady() (Key, bool) {
	for x.readyPos < len(x.ready) {
		k := x.ready[x.readyPos]
		x.ready[x.readyPos] = Key{}
		x.readyPos++
		if x.keys[k.FD] == k.reg {
			return k, true
		}
	}
	return Key{}, false
}

// Wakeup interrupts a blocked Select. It is safe for concurrent use.
func (x *Selector) Wakeup() error {
	x.closeMu.Lock()
	defer x.closeMu.Unlock()
	if x.closed {
		return ErrPollerClosed
	}
	return signalWakeFd(x.wakeW)
}

// Close releases the poller and wakeup descriptor. Registered descriptors
// are not closed.
func (x *Selector) Close() error {
	x.closeMu.Lock()
	defer x.closeMu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	closeWakeFd(x.wakeR, x.wakeW)
	return x.poller.Close()
}

func isRuntimeFailure(err error) bool {
	return errors.Is(err, ErrPollerClosed) ||
		errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EFAULT)
}
