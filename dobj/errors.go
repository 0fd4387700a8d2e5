package dobj

import (
	"errors"
)

var (
	// ErrManagerAlreadyRunning is returned when Run is called on a running manager.
	ErrManagerAlreadyRunning = errors.New("dobj: manager is already running")

	// ErrManagerTerminated is returned when posting to, or running, a terminated manager.
	ErrManagerTerminated = errors.New("dobj: manager has been terminated")

	// ErrReentrantRun is returned when Run is called from the dispatch goroutine.
	ErrReentrantRun = errors.New("dobj: cannot call Run from within the dispatch goroutine")

	// ErrNotRegistered is returned by request methods of an object that has
	// not been registered with a manager.
	ErrNotRegistered = errors.New("dobj: object not registered")

	// ErrAlreadyRegistered is returned when registering an object twice.
	ErrAlreadyRegistered = errors.New("dobj: object already registered")

	ErrNoSuchObject     = errors.New("dobj: no such object")
	ErrAlreadyDestroyed = errors.New("dobj: object already destroyed")
	ErrTransactionDone  = errors.New("dobj: transaction already committed or canceled")
	ErrInvalidKey       = errors.New("dobj: entry key must be a non-nil hashable value")
	ErrInvalidEvent     = errors.New("dobj: invalid event")
	ErrInvalidDelay     = errors.New("dobj: invalid interval delay")
	ErrNilSubscriber    = errors.New("dobj: nil subscriber")

	// ErrShutdownOnDispatch is returned by Shutdown when called from the
	// dispatch goroutine, which would never see the queue drain.
	ErrShutdownOnDispatch = errors.New("dobj: cannot wait for shutdown on the dispatch goroutine")
)

// Apply-time rejection reasons. These are never returned to requesters,
// only logged and counted, as requests are fire-and-forget.
var (
	errTargetAbsent        = errors.New("target object absent")
	errWrongKind           = errors.New("attribute holds a different kind of value")
	errIndexOutOfRange     = errors.New("element index out of range")
	errDuplicateEntry      = errors.New("entry key already present")
	errNoSuchEntry         = errors.New("entry key not present")
	errDestroyedReference  = errors.New("referenced object destroyed or unknown")
	errDuplicateReference  = errors.New("oid already present in list")
	errNoSuchReference     = errors.New("oid not present in list")
	errUnknownEventVariant = errors.New("unknown event variant")
	errApplyPanicked       = errors.New("panic while applying event")
)
