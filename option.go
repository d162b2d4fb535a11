package riotls

import (
	"time"

	"github.com/brickingsoft/rxp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultReadBufferSize = 16 << 10
)

type Options struct {
	RxpOptions       rxp.Options
	Logger           *zap.Logger
	Registerer       prometheus.Registerer
	ReadBufferSize   int
	ReusePort        bool
	HandshakeTimeout time.Duration
}

func (options *Options) AsRxpOptions() []rxp.Option {
	opts := make([]rxp.Option, 0, 1)
	if n := options.RxpOptions.MaxGoroutines; n > 0 {
		opts = append(opts, rxp.WithMaxGoroutines(n))
	}
	if n := options.RxpOptions.CloseTimeout; n > 0 {
		opts = append(opts, rxp.WithCloseTimeout(n))
	}
	return opts
}

type Option func(options *Options) (err error)

// WithMaxGoroutines
// Upper bound of goroutines the reactor runs, one per connection plus one per listener.
func WithMaxGoroutines(n int) Option {
	return func(options *Options) error {
		return rxp.WithMaxGoroutines(n)(&options.RxpOptions)
	}
}

// WithCloseTimeout
// How long Reactor.Close waits for connections to finish.
func WithCloseTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		return rxp.WithCloseTimeout(timeout)(&options.RxpOptions)
	}
}

// WithLogger
// Default is zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(options *Options) (err error) {
		options.Logger = logger
		return
	}
}

// WithMetrics
// Register handshake metrics on registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(options *Options) (err error) {
		options.Registerer = registerer
		return
	}
}

// WithReadBufferSize
// Size of the per connection socket read buffer.
func WithReadBufferSize(size int) Option {
	return func(options *Options) (err error) {
		if size > 0 {
			options.ReadBufferSize = size
		}
		return
	}
}

// WithReusePort
// Set SO_REUSEPORT on listeners where the platform supports it.
func WithReusePort() Option {
	return func(options *Options) (err error) {
		options.ReusePort = true
		return
	}
}

// WithHandshakeTimeout
// Abort a TLS handshake still in progress after d. Zero means no timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(options *Options) (err error) {
		if d > 0 {
			options.HandshakeTimeout = d
		}
		return
	}
}
