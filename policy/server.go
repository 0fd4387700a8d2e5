package policy

import (
	"context"
	"net/netip"
	"time"

	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/metric"
)

// Config configures a Server.
type Config struct {
	Host string
	// Port defaults to MasterPort, zero picks an ephemeral port only if
	// Ephemeral is set.
	Port      int
	Ephemeral bool
	// Master forces the site-control declaration, which is otherwise only
	// served on MasterPort.
	Master bool
	// Domains granted access, defaults to "*".
	Domains []string
	// ToPorts granted, defaults to "*".
	ToPorts string
	// IdleTimeout closes clients that never complete a request, defaults
	// to ten seconds.
	IdleTimeout  time.Duration
	AcceptLimits map[time.Duration]int
}

// Server answers policy requests on one TCP port.
type Server struct {
	mgr    *conmgr.Manager
	logger *logiface.Logger[logiface.Event]
	doc    []byte
}

type serverOptions struct {
	logger        *logiface.Logger[logiface.Event]
	meterProvider metric.MeterProvider
}

// Option configures a Server.
type Option interface {
	applyServer(*serverOptions)
}

type serverOptionImpl struct {
	applyServerFunc func(*serverOptions)
}

func (x *serverOptionImpl) applyServer(opts *serverOptions) { x.applyServerFunc(opts) }

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &serverOptionImpl{func(opts *serverOptions) { opts.logger = logger }}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return &serverOptionImpl{func(opts *serverOptions) { opts.meterProvider = mp }}
}

// New creates a Server. Call Listen, then Run.
func New(cfg Config, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyServer(&o)
		}
	}
	if cfg.Port == 0 && !cfg.Ephemeral {
		cfg.Port = MasterPort
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = []string{"*"}
	}
	if cfg.ToPorts == "" {
		cfg.ToPorts = "*"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}

	allow := make([]Allow, 0, len(cfg.Domains))
	for _, domain := range cfg.Domains {
		allow = append(allow, Allow{Domain: domain, ToPorts: cfg.ToPorts})
	}
	s := &Server{
		logger: o.logger,
		doc:    Document(cfg.Master || cfg.Port == MasterPort, allow),
	}

	mgr, err := conmgr.New(conmgr.Config{
		Host:         cfg.Host,
		TCPPorts:     []int{cfg.Port},
		IdleTimeout:  cfg.IdleTimeout,
		PollWait:     100 * time.Millisecond,
		AcceptLimits: cfg.AcceptLimits,
	},
		conmgr.WithLogger(o.logger),
		conmgr.WithMeterProvider(o.meterProvider),
		conmgr.WithConnHandler(s.newHandler),
	)
	if err != nil {
		return nil, err
	}
	s.mgr = mgr
	return s, nil
}

func (s *Server) newHandler(*conmgr.Connection) conmgr.ConnHandler {
	return &handler{logger: s.logger, doc: s.doc}
}

// Listen binds the policy port.
func (s *Server) Listen() error { return s.mgr.Listen() }

// Addr returns the bound address, once listening.
func (s *Server) Addr() netip.AddrPort {
	if addrs := s.mgr.Addrs(); len(addrs) != 0 {
		return addrs[0]
	}
	return netip.AddrPort{}
}

// Run serves until ctx is done or Shutdown is called.
func (s *Server) Run(ctx context.Context) error { return s.mgr.Run(ctx) }

func (s *Server) Shutdown() { s.mgr.Shutdown() }

func (s *Server) Stats() conmgr.Stats { return s.mgr.Stats() }

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} { return s.mgr.Done() }
