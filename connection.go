package riotls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/riotls/security"
	"github.com/brickingsoft/rxp/async"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Connection interface {
	ID() (id uuid.UUID)
	Context() (ctx context.Context)
	LocalAddr() (addr net.Addr)
	RemoteAddr() (addr net.Addr)
	// StartTLS begins a handshake on the connection. Only a configuration
	// error or a second call is reported here; the outcome arrives as
	// OnHandshakeCompleted or OnClosed.
	StartTLS(config *security.Config) (err error)
	HandshakeState() (state security.State)
	// ConnectionState returns the negotiated session once the handshake completed.
	ConnectionState() (state tls.ConnectionState, ok bool)
	// Write sends p, encrypted once StartTLS was called.
	Write(p []byte) (future async.Future[int])
	Close() (future async.Future[async.Void])
}

type connection struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	reactor *Reactor
	raw     net.Conn
	role    security.Role
	logger  *zap.Logger
	handler Handler
	hook    security.VerifyHook

	// events serializes handshake steps; handler callbacks run outside it.
	events    sync.Mutex
	completed bool
	// wmu keeps records in order between draining the engine and the socket write.
	wmu sync.Mutex

	hs        atomic.Pointer[security.Handshake]
	timer     atomic.Pointer[time.Timer]
	closing   atomic.Bool
	closeOnce sync.Once
	causeMu   sync.Mutex
	cause     error
}

func newConnection(r *Reactor, raw net.Conn, role security.Role) *connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(r.ctx)
	return &connection{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		reactor: r,
		raw:     raw,
		role:    role,
		logger: r.logger.With(
			zap.String("conn_id", id.String()),
			zap.Stringer("remote", raw.RemoteAddr()),
		),
	}
}

// bind installs the handler. Its verify hook, if any, is read here once.
func (c *connection) bind(handler Handler) {
	c.handler = handler
	if verifier, ok := handler.(PeerVerifier); ok {
		c.hook = verifier.VerifyPeerHook()
	}
}

func (c *connection) ID() (id uuid.UUID) {
	id = c.id
	return
}

func (c *connection) Context() (ctx context.Context) {
	ctx = c.ctx
	return
}

func (c *connection) LocalAddr() (addr net.Addr) {
	addr = c.raw.LocalAddr()
	return
}

func (c *connection) RemoteAddr() (addr net.Addr) {
	addr = c.raw.RemoteAddr()
	return
}

func (c *connection) HandshakeState() (state security.State) {
	hs := c.hs.Load()
	if hs == nil {
		state = security.StateNotStarted
		return
	}
	state = hs.State()
	return
}

func (c *connection) ConnectionState() (state tls.ConnectionState, ok bool) {
	hs := c.hs.Load()
	if hs == nil {
		return
	}
	state, ok = hs.ConnectionState()
	return
}

func (c *connection) Write(p []byte) (future async.Future[int]) {
	ctx := c.ctx
	if c.closing.Load() {
		future = async.FailedImmediately[int](ctx, newOpErr(opWrite, c.raw, ErrClosed))
		return
	}
	hs := c.hs.Load()
	if hs == nil {
		c.wmu.Lock()
		n, err := c.raw.Write(p)
		c.wmu.Unlock()
		if err != nil {
			future = async.FailedImmediately[int](ctx, newOpErr(opWrite, c.raw, err))
			return
		}
		future = async.SucceedImmediately[int](ctx, n)
		return
	}
	if state := hs.State(); state != security.StateCompleted {
		future = async.FailedImmediately[int](ctx, newOpErr(opWrite, c.raw, ErrHandshakeIncomplete))
		return
	}
	n, err := hs.Write(p)
	if err != nil {
		future = async.FailedImmediately[int](ctx, newOpErr(opWrite, c.raw, err))
		return
	}
	if err = c.flush(hs); err != nil {
		future = async.FailedImmediately[int](ctx, newOpErr(opWrite, c.raw, err))
		return
	}
	future = async.SucceedImmediately[int](ctx, n)
	return
}

func (c *connection) Close() (future async.Future[async.Void]) {
	c.closeWith(nil)
	future = async.SucceedImmediately[async.Void](c.ctx, async.Void{})
	return
}

// closeWith tears the socket down once. A completed session sends
// close_notify first; a handshake in progress is aborted without alert.
func (c *connection) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()
		c.closing.Store(true)
		c.stopTimer()

		if hs := c.hs.Load(); hs != nil {
			if hs.State() == security.StateCompleted {
				if err := hs.Close(); err == nil {
					_ = c.flush(hs)
				}
			} else {
				hs.Abort(cause)
			}
		}
		_ = c.raw.Close()
		c.cancel()
		c.logger.Debug("Connection closed", zap.Error(cause))
	})
}

func (c *connection) closeCause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// serve is the connection's goroutine: it reads the socket until it fails
// and delivers every handler event.
func (c *connection) serve() {
	c.handler.OnConnected(c)

	b := make([]byte, c.reactor.readBufferSize)
	var readErr error
	for {
		n, err := c.raw.Read(b)
		if n > 0 {
			c.onReadable(b[:n])
		}
		if err != nil {
			readErr = err
			break
		}
	}

	if !c.closing.Load() {
		var cause error
		if !errors.Is(readErr, io.EOF) {
			cause = readErr
		} else if state := c.HandshakeState(); state == security.StateInProgress {
			cause = readErr
		}
		c.closeWith(cause)
	}
	c.reactor.detach(c)
	c.handler.OnClosed(c, c.closeCause())
}
