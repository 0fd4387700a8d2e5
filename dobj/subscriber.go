package dobj

import (
	"slices"
	"sync/atomic"
)

// Subscriber receives every event applied to the object it is subscribed
// to, in queue order, on the dispatch goroutine. Implementations must not
// block.
type Subscriber interface {
	EventReceived(ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev Event)

func (f SubscriberFunc) EventReceived(ev Event) { f(ev) }

// AvailabilitySubscriber is an optional extension of Subscriber, notified
// (on the dispatch goroutine) whether its subscription took effect.
type AvailabilitySubscriber interface {
	Subscriber
	// ObjectAvailable is called once the subscription is attached, before
	// any event is delivered. It is the safe point to snapshot obj.
	ObjectAvailable(obj *DObject)
	// RequestFailed is called if the object is unknown or destroyed.
	RequestFailed(oid Oid, err error)
}

// Subscription is the handle of one subscriber registration.
type Subscription struct {
	sub      Subscriber
	mgr      *Manager
	obj      *DObject
	oid      Oid
	canceled atomic.Bool
}

// Oid returns the subscribed object's id.
func (x *Subscription) Oid() Oid { return x.oid }

// Cancel stops delivery. Once Cancel returns, no further events are
// delivered. It is idempotent.
func (x *Subscription) Cancel() {
	if x.canceled.Swap(true) {
		return
	}
	if x.mgr.IsDispatchGoroutine() {
		x.mgr.detach(x)
		return
	}
	// the flag already stops delivery, this only releases the slot
	_ = x.mgr.PostRunnable(func() { x.mgr.detach(x) })
}

// Subscribe registers sub against the object. Attachment happens on the
// dispatch goroutine, in queue order: events posted after Subscribe returns
// are delivered, earlier ones are not.
func (m *Manager) Subscribe(oid Oid, sub Subscriber) (*Subscription, error) {
	if sub == nil {
		return nil, ErrNilSubscriber
	}
	s := &Subscription{sub: sub, mgr: m, oid: oid}
	if err := m.PostRunnable(func() { m.attach(s) }); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) attach(s *Subscription) {
	if s.canceled.Load() {
		return
	}
	obj, ok := m.Object(s.oid)
	if !ok || obj.IsDestroyed() {
		s.canceled.Store(true)
		m.logger.Debug().
			Uint64("oid", uint64(s.oid)).
			Log("dobj: subscription to unavailable object")
		if as, ok := s.sub.(AvailabilitySubscriber); ok {
			m.safeExecute(func() { as.RequestFailed(s.oid, ErrNoSuchObject) }, nil)
		}
		return
	}
	s.obj = obj
	obj.subs = append(slices.Clip(obj.subs), s)
	if as, ok := s.sub.(AvailabilitySubscriber); ok {
		m.safeExecute(func() { as.ObjectAvailable(obj) }, nil)
	}
}

func (m *Manager) detach(s *Subscription) {
	obj := s.obj
	if obj == nil {
		return
	}
	s.obj = nil
	obj.subs = slices.DeleteFunc(slices.Clone(obj.subs), func(v *Subscription) bool { return v == s })
}
