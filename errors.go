package riotls

import (
	"context"
	"errors"
	"net"

	"github.com/brickingsoft/rxp/async"
)

var (
	ErrClosed              = errors.New("riotls: closed")
	ErrNilHandler          = errors.New("riotls: handler is nil")
	ErrNilConfig           = errors.New("riotls: tls config is nil")
	ErrHandshakeStarted    = errors.New("riotls: tls handshake already started")
	ErrHandshakeIncomplete = errors.New("riotls: tls handshake incomplete")
	ErrHandshakeTimeout    = errors.New("riotls: tls handshake timeout")
	ErrNetworkUnmatched    = errors.New("riotls: network is not matched")
	ErrReactorClosed       = errors.New("riotls: reactor closed")
)

func IsClosed(err error) bool {
	var opErr *net.OpError
	isOpErr := errors.As(err, &opErr)
	if isOpErr {
		err = opErr.Err
	}
	ok := errors.Is(err, ErrClosed) || errors.Is(err, ErrReactorClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, async.ExecutorsClosed)
	return ok
}

func IsHandshakeTimeout(err error) bool {
	var opErr *net.OpError
	isOpErr := errors.As(err, &opErr)
	if isOpErr {
		err = opErr.Err
	}
	return errors.Is(err, ErrHandshakeTimeout)
}

func IsHandshakeStarted(err error) bool {
	var opErr *net.OpError
	isOpErr := errors.As(err, &opErr)
	if isOpErr {
		err = opErr.Err
	}
	return errors.Is(err, ErrHandshakeStarted)
}

func IsErrNetworkUnmatched(err error) bool {
	var opErr *net.OpError
	isOpErr := errors.As(err, &opErr)
	if isOpErr {
		err = opErr.Err
	}
	return errors.Is(err, ErrNetworkUnmatched)
}

const (
	opDial     = "dial"
	opListen   = "listen"
	opAccept   = "accept"
	opWrite    = "write"
	opStartTLS = "starttls"
)

func newOpErr(op string, conn net.Conn, err error) *net.OpError {
	return &net.OpError{
		Op:     op,
		Net:    conn.LocalAddr().Network(),
		Source: conn.LocalAddr(),
		Addr:   conn.RemoteAddr(),
		Err:    err,
	}
}
