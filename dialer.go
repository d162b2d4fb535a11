package riotls

import (
	"net"

	"github.com/brickingsoft/riotls/security"
	"github.com/brickingsoft/rxp/async"
)

// Dial connects to address and fires handler's events for the new connection.
// The future completes once the socket is established.
func (r *Reactor) Dial(network string, address string, handler Handler) (future async.Future[Connection]) {
	ctx := r.ctx
	if handler == nil {
		future = async.FailedImmediately[Connection](ctx, &net.OpError{Op: opDial, Net: network, Err: ErrNilHandler})
		return
	}
	promise, promiseErr := async.Make[Connection](ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[Connection](ctx, promiseErr)
		return
	}
	future = promise.Future()

	execErr := r.execute(func() {
		dialer := net.Dialer{}
		raw, dialErr := dialer.DialContext(ctx, network, address)
		if dialErr != nil {
			promise.Fail(dialErr)
			return
		}
		conn := r.attach(raw, security.RoleClient)
		if conn == nil {
			_ = raw.Close()
			promise.Fail(&net.OpError{Op: opDial, Net: network, Addr: raw.RemoteAddr(), Err: ErrReactorClosed})
			return
		}
		conn.bind(handler)
		promise.Succeed(conn)
		conn.serve()
	})
	if execErr != nil {
		promise.Fail(execErr)
	}
	return
}
