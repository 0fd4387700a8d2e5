package dobj

import (
	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/metric"
)

// managerOptions holds configuration options for Manager creation.
type managerOptions struct {
	logger        *logiface.Logger[logiface.Event]
	meterProvider metric.MeterProvider
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

// WithLogger configures structured logging. Diagnostics for rejected events
// are logged at debug level, misuse at warning, and recovered panics at
// error. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMeterProvider sets the meter provider used for dispatch metrics.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return &managerOptionImpl{func(opts *managerOptions) error {
		opts.meterProvider = mp
		return nil
	}}
}

func resolveOptions(opts []Option) (*managerOptions, error) {
	cfg := &managerOptions{}
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
