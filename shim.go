package riotls

import (
	"errors"
	"io"
	"time"

	"github.com/brickingsoft/riotls/security"
	"go.uber.org/zap"
)

func (c *connection) StartTLS(config *security.Config) (err error) {
	if config == nil {
		err = newOpErr(opStartTLS, c.raw, ErrNilConfig)
		return
	}
	if c.closing.Load() {
		err = newOpErr(opStartTLS, c.raw, ErrClosed)
		return
	}
	if c.hook.Installed() {
		config = config.WithVerifyHook(c.hook)
	}
	hs, hsErr := security.NewHandshake(c.ctx, c.role, config,
		security.WithLogger(c.logger),
		security.WithMetrics(c.reactor.metrics),
		security.WithAddrs(c.raw.LocalAddr(), c.raw.RemoteAddr()),
	)
	if hsErr != nil {
		err = hsErr
		return
	}

	c.events.Lock()
	if !c.hs.CompareAndSwap(nil, hs) {
		c.events.Unlock()
		err = newOpErr(opStartTLS, c.raw, ErrHandshakeStarted)
		return
	}
	startErr := hs.Start()
	flushErr := c.flush(hs)
	c.events.Unlock()

	if startErr != nil {
		err = startErr
		return
	}
	if flushErr != nil {
		c.closeWith(flushErr)
		return
	}
	if hs.State() == security.StateAborted {
		c.closeWith(hs.Err())
		return
	}
	if timeout := c.reactor.handshakeTimeout; timeout > 0 && !hs.State().Terminal() {
		c.timer.Store(time.AfterFunc(timeout, func() {
			if hs.Abort(ErrHandshakeTimeout) {
				c.logger.Debug("Handshake timed out", zap.Duration("timeout", timeout))
				c.closeWith(ErrHandshakeTimeout)
			}
		}))
		if c.closing.Load() || hs.State().Terminal() {
			c.stopTimer()
		}
	}
	return
}

func (c *connection) stopTimer() {
	if timer := c.timer.Swap(nil); timer != nil {
		timer.Stop()
	}
}

// onReadable hands socket bytes to the handshake and turns the step's result
// into handler events. Without TLS the bytes go straight to the handler.
func (c *connection) onReadable(p []byte) {
	c.events.Lock()
	hs := c.hs.Load()
	if hs == nil {
		c.events.Unlock()
		c.receive(p)
		return
	}
	state := hs.OnIOReady(security.Readable, p)
	flushErr := c.flush(hs)
	faults := hs.Faults()
	received := hs.Received()
	completed := false
	if state == security.StateCompleted && !c.completed {
		c.completed = true
		completed = true
	}
	c.events.Unlock()

	for _, fault := range faults {
		c.reportFault(fault)
	}
	if completed {
		c.stopTimer()
		c.handler.OnHandshakeCompleted(c)
	}
	if len(received) > 0 {
		c.receive(received)
	}

	switch {
	case flushErr != nil:
		c.closeWith(flushErr)
	case state == security.StateAborted:
		c.closeWith(hs.Err())
	case state == security.StateCompleted && exited(hs):
		cause := hs.ReadErr()
		if errors.Is(cause, io.EOF) {
			cause = nil
		}
		c.closeWith(cause)
	}
}

// reportFault hands a verify callback fault to the handler's error channel,
// or logs it when the handler has none.
func (c *connection) reportFault(fault error) {
	h, ok := c.handler.(ErrorHandler)
	if funcs, isFuncs := c.handler.(*HandlerFuncs); isFuncs && funcs.Error == nil {
		ok = false
	}
	if !ok {
		c.logger.Warn("Verify peer callback fault unhandled", zap.Error(fault))
		return
	}
	h.OnError(c, fault)
}

func (c *connection) receive(p []byte) {
	if h, ok := c.handler.(Receiver); ok {
		h.OnReceive(c, p)
	}
}

// flush writes the engine's pending records to the socket.
func (c *connection) flush(hs *security.Handshake) (err error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	out := hs.Outbound()
	if len(out) == 0 {
		return
	}
	_, err = c.raw.Write(out)
	return
}

func exited(hs *security.Handshake) bool {
	select {
	case <-hs.Exited():
		return true
	default:
		return false
	}
}
