package dobj

import (
	"sync"
)

// Transaction buffers requests against one object. On Commit they are
// enqueued, in request order, as a single contiguous run: no event for any
// other object can be applied in between. Subscribers still receive one
// event per buffered request.
type Transaction struct {
	obj    *DObject
	events []Event
	mu     sync.Mutex
	done   bool
}

func (x *Transaction) SetAttr(name string, value any) error {
	return x.add(NewAttributeChangedEvent(x.obj.oid, name, value))
}

func (x *Transaction) SetElement(name string, index int, value any) error {
	return x.add(NewElementUpdatedEvent(x.obj.oid, name, index, value))
}

func (x *Transaction) AddEntry(name string, entry Entry) error {
	if !validKey(entry.Key) {
		return ErrInvalidKey
	}
	return x.add(NewEntryAddedEvent(x.obj.oid, name, entry))
}

func (x *Transaction) UpdateEntry(name string, entry Entry) error {
	if !validKey(entry.Key) {
		return ErrInvalidKey
	}
	return x.add(NewEntryUpdatedEvent(x.obj.oid, name, entry))
}

func (x *Transaction) RemoveEntry(name string, key any) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	return x.add(NewEntryRemovedEvent(x.obj.oid, name, key))
}

func (x *Transaction) AddToOidList(name string, ref Oid) error {
	return x.add(NewOidAddedEvent(x.obj.oid, name, ref))
}

func (x *Transaction) RemoveFromOidList(name string, ref Oid) error {
	return x.add(NewOidRemovedEvent(x.obj.oid, name, ref))
}

// Len returns the number of buffered requests.
func (x *Transaction) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.events)
}

// Commit enqueues the buffered requests. The transaction is finished even if
// the enqueue fails.
func (x *Transaction) Commit() error {
	x.mu.Lock()
	if x.done {
		x.mu.Unlock()
		return ErrTransactionDone
	}
	x.done = true
	events := x.events
	x.events = nil
	x.mu.Unlock()

	if x.obj.mgr == nil {
		return ErrNotRegistered
	}
	if len(events) == 0 {
		return nil
	}
	units := make([]unit, len(events))
	for i, ev := range events {
		units[i] = unit{ev: ev}
	}
	return x.obj.mgr.push(units...)
}

// Cancel discards the buffered requests.
func (x *Transaction) Cancel() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.done {
		return ErrTransactionDone
	}
	x.done = true
	x.events = nil
	return nil
}

func (x *Transaction) add(ev Event) error {
	if x.obj.mgr == nil {
		return ErrNotRegistered
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.done {
		return ErrTransactionDone
	}
	x.events = append(x.events, ev)
	return nil
}
