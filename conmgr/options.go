package conmgr

import (
	"github.com/joeycumines/go-dobj/netpoll"
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/metric"
)

type managerOptions struct {
	logger        *logiface.Logger[logiface.Event]
	meterProvider metric.MeterProvider
	newHandler    ConnHandlerFactory
	datagrams     DatagramHandler
	selectorOpts  []netpoll.SelectorOption
}

// Option configures a Manager instance.
type Option interface {
	applyManager(*managerOptions) error
}

type managerOptionImpl struct {
	applyManagerFunc func(*managerOptions) error
}

func (x *managerOptionImpl) applyManager(opts *managerOptions) error {
	return x.applyManagerFunc(opts)
}

// WithLogger configures structured logging. Each connection logs through a
// child logger carrying its id and remote address.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMeterProvider sets the meter provider used for connection metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.meterProvider = mp
		return nil
	}}
}

// WithConnHandler sets the factory creating each connection's handler. By
// default inbound data is discarded.
func WithConnHandler(factory ConnHandlerFactory) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		if factory == nil {
			return ErrNilHandlerFactory
		}
		opts.newHandler = factory
		return nil
	}}
}

// WithDatagramHandler sets the handler for every UDP acceptor.
func WithDatagramHandler(h DatagramHandler) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.datagrams = h
		return nil
	}}
}

// WithSelectorOptions passes options through to the underlying selector.
func WithSelectorOptions(opts ...netpoll.SelectorOption) Option {
	return &managerOptionImpl{func(o *managerOptions) error {
		o.selectorOpts = append(o.selectorOpts, opts...)
		return nil
	}}
}

func resolveOptions(opts []Option) (*managerOptions, error) {
	cfg := &managerOptions{
		newHandler: func(*Connection) ConnHandler { return discardHandler{} },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
