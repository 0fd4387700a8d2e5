package session

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/go-dobj/dobj"
	"github.com/joeycumines/go-dobj/framing"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Server accepts session connections for one object manager.
type Server struct {
	objects      *dobj.Manager
	conns        *conmgr.Manager
	logger       *logiface.Logger[logiface.Event]
	sessions     map[*Session]struct{}
	maxFrameSize int
	requestRate  rate.Limit
	requestBurst int
	mu           sync.Mutex
}

type serverOptions struct {
	logger        *logiface.Logger[logiface.Event]
	meterProvider metric.MeterProvider
	maxFrameSize  int
	requestRate   rate.Limit
	requestBurst  int
}

// Option configures a Server.
type Option interface {
	applyServer(*serverOptions)
}

type serverOptionImpl struct {
	applyServerFunc func(*serverOptions)
}

func (x *serverOptionImpl) applyServer(opts *serverOptions) { x.applyServerFunc(opts) }

// WithLogger configures structured logging, each session logging through a
// child logger carrying its id.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &serverOptionImpl{func(opts *serverOptions) { opts.logger = logger }}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return &serverOptionImpl{func(opts *serverOptions) { opts.meterProvider = mp }}
}

// WithMaxFrameSize bounds inbound frames. Larger frames close the
// connection. Defaults to framing.DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return &serverOptionImpl{func(opts *serverOptions) { opts.maxFrameSize = n }}
}

// WithRequestRate limits each session's requests. Requests over the limit
// are answered with an error frame and dropped.
func WithRequestRate(limit rate.Limit, burst int) Option {
	return &serverOptionImpl{func(opts *serverOptions) {
		opts.requestRate = limit
		opts.requestBurst = burst
	}}
}

// New creates a Server over the given object manager, which the caller
// runs. Call Listen, then Run.
func New(objects *dobj.Manager, cfg conmgr.Config, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyServer(&o)
		}
	}
	if o.requestRate > 0 && o.requestBurst <= 0 {
		o.requestBurst = 1
	}

	s := &Server{
		objects:      objects,
		logger:       o.logger,
		sessions:     make(map[*Session]struct{}),
		maxFrameSize: o.maxFrameSize,
		requestRate:  o.requestRate,
		requestBurst: o.requestBurst,
	}
	conns, err := conmgr.New(cfg,
		conmgr.WithLogger(o.logger),
		conmgr.WithMeterProvider(o.meterProvider),
		conmgr.WithConnHandler(s.newSession),
	)
	if err != nil {
		return nil, err
	}
	s.conns = conns
	return s, nil
}

func (s *Server) newSession(c *conmgr.Connection) conmgr.ConnHandler {
	sess := &Session{
		srv:     s,
		conn:    c,
		id:      uuid.New(),
		decoder: framing.NewDecoder(s.maxFrameSize),
		subs:    make(map[dobj.Oid]*dobj.Subscription),
	}
	sess.logger = c.Logger().Clone().Str("session", sess.id.String()).Logger()
	if s.requestRate > 0 {
		sess.limiter = rate.NewLimiter(s.requestRate, s.requestBurst)
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.logger.Debug().Log("session: opened")
	return sess
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Listen binds the configured ports.
func (s *Server) Listen() error { return s.conns.Listen() }

// Addrs returns the bound addresses.
func (s *Server) Addrs() []netip.AddrPort { return s.conns.Addrs() }

// Run serves until ctx is done, Shutdown is called, or the connection
// loop fails. The object manager is left running.
func (s *Server) Run(ctx context.Context) error { return s.conns.Run(ctx) }

func (s *Server) Shutdown() { s.conns.Shutdown() }

func (s *Server) Stats() conmgr.Stats { return s.conns.Stats() }

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} { return s.conns.Done() }
