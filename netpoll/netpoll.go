// Package netpoll provides the readiness multiplexer driving the connection
// manager: a Selector over an OS readiness primitive (epoll on Linux) that
// exposes ready descriptors one at a time and reports multiplexer health as
// an explicit Status, instead of invoking a failure callback.
package netpoll

import (
	"errors"
	"time"
)

// FailureThreshold is the number of consecutive multiplexer runtime failures
// after which Select reports StatusFatal.
const FailureThreshold = 20

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Status is the outcome of a single Select call.
type Status int

const (
	// StatusOK indicates a successful poll, possibly with zero ready keys.
	StatusOK Status = iota
	// StatusIOError indicates a transient failure of this poll only. The
	// caller should log and continue; the failure counter is untouched.
	StatusIOError
	// StatusRuntimeFailure indicates the multiplexer itself failed. The
	// consecutive failure counter was incremented, but is below the
	// threshold.
	StatusRuntimeFailure
	// StatusFatal indicates FailureThreshold consecutive runtime failures.
	// The caller is expected to perform an orderly shutdown.
	StatusFatal
)

func (x Status) String() string {
	switch x {
	case StatusOK:
		return "ok"
	case StatusIOError:
		return "io_error"
	case StatusRuntimeFailure:
		return "runtime_failure"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrFDAlreadyRegistered = errors.New("netpoll: fd already registered")
	ErrFDNotRegistered     = errors.New("netpoll: fd not registered")
	ErrPollerClosed        = errors.New("netpoll: poller closed")
	ErrUnsupported         = errors.New("netpoll: platform not supported")
	ErrNilPoller           = errors.New("netpoll: nil poller")
)

// Readiness is a single readiness notification from a Poller.
type Readiness struct {
	FD     int
	Events IOEvents
}

// Poller is the OS readiness primitive wrapped by a Selector. Implementations
// need not be safe for concurrent use, with the exception of Close.
type Poller interface {
	Add(fd int, events IOEvents) error
	Modify(fd int, events IOEvents) error
	Delete(fd int) error
	// Wait blocks for up to timeout (negative for indefinitely, zero for an
	// immediate poll), filling out with ready descriptors.
	Wait(out []Readiness, timeout time.Duration) (int, error)
	Close() error
}

// NewPoller returns the Poller for the current platform.
func NewPoller() (Poller, error) { return newPoller() }
