package riotls

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/brickingsoft/riotls/security"
	"github.com/brickingsoft/rxp"
	"go.uber.org/zap"
)

// Reactor owns the goroutines, listeners and connections of one event loop.
// Instances are independent; nothing is shared between two reactors.
type Reactor struct {
	ctx              context.Context
	cancel           context.CancelFunc
	executors        rxp.Executors
	logger           *zap.Logger
	metrics          *security.Metrics
	readBufferSize   int
	reusePort        bool
	handshakeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	conns     map[*connection]struct{}
	listeners map[*listener]struct{}
}

func New(options ...Option) (r *Reactor, err error) {
	opt := Options{
		RxpOptions:     rxp.Options{},
		ReadBufferSize: DefaultReadBufferSize,
	}
	for _, option := range options {
		if err = option(&opt); err != nil {
			return
		}
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics *security.Metrics
	if opt.Registerer != nil {
		if metrics, err = security.NewMetrics(opt.Registerer); err != nil {
			return
		}
	}

	executors, execErr := rxp.New(opt.AsRxpOptions()...)
	if execErr != nil {
		err = execErr
		return
	}
	ctx, cancel := context.WithCancel(rxp.With(context.Background(), executors))
	r = &Reactor{
		ctx:              ctx,
		cancel:           cancel,
		executors:        executors,
		logger:           logger,
		metrics:          metrics,
		readBufferSize:   opt.ReadBufferSize,
		reusePort:        opt.ReusePort,
		handshakeTimeout: opt.HandshakeTimeout,
		conns:            make(map[*connection]struct{}),
		listeners:        make(map[*listener]struct{}),
	}
	return
}

func (r *Reactor) Logger() *zap.Logger {
	return r.logger
}

// Listen accepts connections on address and builds a handler for each with factory.
func (r *Reactor) Listen(network string, address string, factory HandlerFactory) (ln Listener, err error) {
	if factory == nil {
		err = &net.OpError{Op: opListen, Net: network, Err: ErrNilHandler}
		return
	}
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		err = &net.OpError{Op: opListen, Net: network, Err: ErrNetworkUnmatched}
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		err = &net.OpError{Op: opListen, Net: network, Err: ErrReactorClosed}
		return
	}
	config := net.ListenConfig{
		Control: listenControl(r.reusePort),
	}
	inner, listenErr := config.Listen(r.ctx, network, address)
	if listenErr != nil {
		err = listenErr
		return
	}
	l := &listener{
		reactor: r,
		inner:   inner,
		factory: factory,
		done:    make(chan struct{}),
	}
	if !r.track(l) {
		_ = inner.Close()
		err = &net.OpError{Op: opListen, Net: network, Addr: inner.Addr(), Err: ErrReactorClosed}
		return
	}
	if execErr := r.execute(l.serve); execErr != nil {
		r.untrack(l)
		_ = inner.Close()
		err = &net.OpError{Op: opListen, Net: network, Addr: inner.Addr(), Err: execErr}
		return
	}
	r.logger.Debug("Listening", zap.String("network", network), zap.Stringer("addr", inner.Addr()))
	ln = l
	return
}

// Close stops every listener, closes every connection and waits for their
// goroutines.
func (r *Reactor) Close() (err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	listeners := make([]*listener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		c.closeWith(ErrReactorClosed)
	}
	r.cancel()
	err = r.executors.Close()
	r.logger.Debug("Reactor closed", zap.Int("connections", len(conns)), zap.Int("listeners", len(listeners)))
	return
}

// attach registers a socket. It returns nil once the reactor is closed.
func (r *Reactor) attach(raw net.Conn, role security.Role) *connection {
	c := newConnection(r, raw, role)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		c.cancel()
		return nil
	}
	r.conns[c] = struct{}{}
	return c
}

func (r *Reactor) detach(c *connection) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *Reactor) track(l *listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.listeners[l] = struct{}{}
	return true
}

func (r *Reactor) untrack(l *listener) {
	r.mu.Lock()
	delete(r.listeners, l)
	r.mu.Unlock()
}

func (r *Reactor) execute(task func()) error {
	err := r.executors.Execute(r.ctx, taskFunc(func(ctx context.Context) {
		task()
	}))
	if err != nil && r.ctx.Err() != nil {
		err = errors.Join(ErrReactorClosed, err)
	}
	return err
}

// taskFunc adapts a plain function to rxp.Task.
type taskFunc func(ctx context.Context)

func (f taskFunc) Handle(ctx context.Context) { f(ctx) }
