package riotls

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/brickingsoft/riotls/security"
	"go.uber.org/zap"
)

type Listener interface {
	Addr() (addr net.Addr)
	Close() (err error)
}

type listener struct {
	reactor   *Reactor
	inner     net.Listener
	factory   HandlerFactory
	done      chan struct{}
	closeOnce sync.Once
}

func (ln *listener) Addr() (addr net.Addr) {
	addr = ln.inner.Addr()
	return
}

func (ln *listener) Close() (err error) {
	ln.closeOnce.Do(func() {
		close(ln.done)
		err = ln.inner.Close()
		ln.reactor.untrack(ln)
	})
	return
}

func (ln *listener) closed() bool {
	select {
	case <-ln.done:
		return true
	default:
		return false
	}
}

const (
	ms10 = 10 * time.Millisecond
)

func (ln *listener) serve() {
	r := ln.reactor
	for {
		raw, err := ln.inner.Accept()
		if err != nil {
			if ln.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("Accept failed", zap.Stringer("addr", ln.inner.Addr()), zap.Error(err))
			time.Sleep(ms10)
			continue
		}
		conn := r.attach(raw, security.RoleServer)
		if conn == nil {
			_ = raw.Close()
			return
		}
		handler := ln.factory(conn)
		if handler == nil {
			r.logger.Warn("Connection dropped", zap.Error(newOpErr(opAccept, raw, ErrNilHandler)))
			conn.closeWith(ErrNilHandler)
			r.detach(conn)
			continue
		}
		conn.bind(handler)
		if execErr := r.execute(conn.serve); execErr != nil {
			conn.closeWith(execErr)
			r.detach(conn)
		}
	}
}
