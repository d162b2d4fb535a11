package riotls

import (
	"github.com/brickingsoft/riotls/security"
)

// Handler receives the lifecycle events of one connection. Every event is
// delivered from the connection's own goroutine, one at a time.
type Handler interface {
	// OnConnected fires once the socket is established, before any read.
	// Calling StartTLS here is the usual way to begin a handshake.
	OnConnected(conn Connection)
	// OnHandshakeCompleted fires exactly once, only when the handshake succeeded.
	OnHandshakeCompleted(conn Connection)
	// OnClosed fires exactly once. cause is nil for a local close or a clean
	// close_notify from the peer.
	OnClosed(conn Connection, cause error)
}

// PeerVerifier is implemented by handlers that decide on peer certificates.
// VerifyPeerHook is read once when the connection is built; an installed hook
// takes precedence over the hook of the Config passed to StartTLS.
type PeerVerifier interface {
	VerifyPeerHook() security.VerifyHook
}

// Receiver is implemented by handlers that consume application data.
type Receiver interface {
	OnReceive(conn Connection, p []byte)
}

// ErrorHandler is implemented by handlers that want verify callback faults.
// A fault always aborts the handshake as well.
type ErrorHandler interface {
	OnError(conn Connection, err error)
}

// HandlerFactory builds the handler of an accepted connection.
type HandlerFactory func(conn Connection) Handler

// HandlerFuncs adapts plain functions to a Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Connected          func(conn Connection)
	HandshakeCompleted func(conn Connection)
	Closed             func(conn Connection, cause error)
	VerifyPeer         security.VerifyHook
	Receive            func(conn Connection, p []byte)
	Error              func(conn Connection, err error)
}

func (h *HandlerFuncs) OnConnected(conn Connection) {
	if h.Connected != nil {
		h.Connected(conn)
	}
}

func (h *HandlerFuncs) OnHandshakeCompleted(conn Connection) {
	if h.HandshakeCompleted != nil {
		h.HandshakeCompleted(conn)
	}
}

func (h *HandlerFuncs) OnClosed(conn Connection, cause error) {
	if h.Closed != nil {
		h.Closed(conn, cause)
	}
}

func (h *HandlerFuncs) VerifyPeerHook() security.VerifyHook {
	return h.VerifyPeer
}

func (h *HandlerFuncs) OnReceive(conn Connection, p []byte) {
	if h.Receive != nil {
		h.Receive(conn, p)
	}
}

func (h *HandlerFuncs) OnError(conn Connection, err error) {
	if h.Error != nil {
		h.Error(conn, err)
	}
}
