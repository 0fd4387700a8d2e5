package dobj

import (
	"sync/atomic"
)

// ManagerState represents the lifecycle state of a Manager.
//
//	StateAwake -> StateRunning        [Run]
//	StateAwake -> StateTerminated     [Shutdown, HarshShutdown before Run]
//	StateRunning -> StateTerminating  [Shutdown, HarshShutdown, ctx cancel]
//	StateTerminating -> StateTerminated [queue drained or discarded]
type ManagerState uint32

const (
	StateAwake ManagerState = iota
	StateRunning
	StateTerminating
	StateTerminated
)

func (s ManagerState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() ManagerState { return ManagerState(s.v.Load()) }

// Store is reserved for the irreversible StateTerminated.
func (s *fastState) Store(state ManagerState) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to ManagerState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
