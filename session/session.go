package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/go-dobj/dobj"
	"github.com/joeycumines/go-dobj/framing"
	"github.com/joeycumines/logiface"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownOp   = errors.New("session: unknown op")
	ErrMissingOp   = errors.New("session: request without op")
	ErrRateLimited = errors.New("session: request rate exceeded")
)

// Session is the state of one client connection. Inbound frames are
// handled on the connection loop goroutine, subscriber callbacks on the
// dispatch goroutine.
type Session struct {
	srv     *Server
	conn    *conmgr.Connection
	logger  *logiface.Logger[logiface.Event]
	decoder *framing.Decoder
	limiter *rate.Limiter
	subs    map[dobj.Oid]*dobj.Subscription
	id      uuid.UUID
	mu      sync.Mutex
	closed  bool
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Subscriptions returns the oids the session is subscribed to.
func (s *Session) Subscriptions() []dobj.Oid {
	s.mu.Lock()
	defer s.mu.Unlock()
	oids := make([]dobj.Oid, 0, len(s.subs))
	for oid := range s.subs {
		oids = append(oids, oid)
	}
	return oids
}

func (s *Session) HandleData(c *conmgr.Connection, data []byte) {
	frames, err := s.decoder.Feed(data)
	for _, payload := range frames {
		if c.IsClosed() {
			return
		}
		c.MessageReceived()
		req, err := DecodeRequest(payload)
		if err != nil {
			s.logger.Warning().Err(err).Log("session: malformed request, closing")
			c.Close()
			return
		}
		s.handle(req)
	}
	if err != nil {
		s.logger.Warning().Err(err).Log("session: framing violation, closing")
		c.Close()
	}
}

func (s *Session) ConnectionClosed(*conmgr.Connection) {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	s.srv.removeSession(s)
	s.logger.Debug().Int("subscriptions", len(subs)).Log("session: closed")
}

func (s *Session) handle(req *Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.fail(req, ErrRateLimited)
		return
	}

	m := s.srv.objects
	oid := dobj.Oid(req.Oid)
	if req.Op == OpSubscribe {
		s.subscribe(oid, req)
		return
	}
	if req.Op == OpUnsubscribe {
		s.unsubscribe(oid)
		return
	}
	if req.Op == OpDestroy {
		if err := m.Destroy(oid); err != nil {
			s.fail(req, err)
		}
		return
	}

	switch req.Op {
	case OpEntryAdd, OpEntryUpdate, OpEntryRemove:
		if !scalarKey(req.Key) {
			s.fail(req, dobj.ErrInvalidKey)
			return
		}
	}

	obj, ok := m.Object(oid)
	if !ok {
		s.fail(req, dobj.ErrNoSuchObject)
		return
	}
	var err error
	switch req.Op {
	case OpSet:
		err = obj.SetAttr(req.Name, req.Value)
	case OpElement:
		err = obj.SetElement(req.Name, req.Index, req.Value)
	case OpEntryAdd:
		err = obj.AddEntry(req.Name, dobj.Entry{Key: req.Key, Value: req.Value})
	case OpEntryUpdate:
		err = obj.UpdateEntry(req.Name, dobj.Entry{Key: req.Key, Value: req.Value})
	case OpEntryRemove:
		err = obj.RemoveEntry(req.Name, req.Key)
	case OpOidAdd:
		err = obj.AddToOidList(req.Name, dobj.Oid(req.Ref))
	case OpOidRemove:
		err = obj.RemoveFromOidList(req.Name, dobj.Oid(req.Ref))
	default:
		err = fmt.Errorf("%w %q", ErrUnknownOp, req.Op)
	}
	if err != nil {
		s.fail(req, err)
	}
}

// scalarKey reports whether key is a CBOR scalar, as decoded into an any.
func scalarKey(key any) bool {
	switch key.(type) {
	case string, uint64, int64, bool, float64:
		return true
	}
	return false
}

func (s *Session) subscribe(oid dobj.Oid, req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.subs[oid]; ok {
		s.logger.Debug().Uint64("oid", uint64(oid)).Log("session: already subscribed")
		return
	}
	sub, err := s.srv.objects.Subscribe(oid, &subscriber{s: s, oid: oid})
	if err != nil {
		s.fail(req, err)
		return
	}
	s.subs[oid] = sub
}

func (s *Session) unsubscribe(oid dobj.Oid) {
	s.mu.Lock()
	sub := s.subs[oid]
	delete(s.subs, oid)
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// forget drops a subscription that ended on the object's side.
func (s *Session) forget(oid dobj.Oid) {
	s.mu.Lock()
	delete(s.subs, oid)
	s.mu.Unlock()
}

func (s *Session) fail(req *Request, err error) {
	s.logger.Debug().
		Str("op", req.Op).
		Uint64("oid", req.Oid).
		Err(err).
		Log("session: request failed")
	s.send(&Frame{Kind: KindError, Op: req.Op, Oid: req.Oid, Name: req.Name, Error: err.Error()})
}

// send encodes and queues a frame. It is safe for concurrent use.
func (s *Session) send(f *Frame) {
	payload, err := EncodeFrame(f)
	if err != nil {
		s.logger.Err().Err(err).Str("kind", f.Kind).Log("session: failed to encode frame")
		return
	}
	if err := s.conn.Send(framing.AppendFrame(nil, payload)); err != nil {
		s.logger.Debug().Err(err).Str("kind", f.Kind).Log("session: dropped frame for closed connection")
	}
}

// subscriber forwards one object's events to a session.
type subscriber struct {
	s   *Session
	oid dobj.Oid
}

func (x *subscriber) EventReceived(ev dobj.Event) {
	x.s.send(eventFrame(ev))
	if _, ok := ev.(*dobj.ObjectDestroyedEvent); ok {
		x.s.forget(x.oid)
	}
}

func (x *subscriber) ObjectAvailable(obj *dobj.DObject) {
	x.s.send(snapshotFrame(obj))
}

func (x *subscriber) RequestFailed(oid dobj.Oid, err error) {
	x.s.forget(oid)
	x.s.send(&Frame{Kind: KindError, Op: OpSubscribe, Oid: uint64(oid), Error: err.Error()})
}
