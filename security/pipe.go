package security

import (
	"bytes"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recordPipe is the net.Conn the TLS engine runs on. Inbound holds bytes the
// reactor read from the socket, outbound collects records the engine wants
// sent. The engine never touches the socket, and a Read on empty inbound
// parks the engine until the next feed.
type recordPipe struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	out     bytes.Buffer
	feeds   uint64
	parkAt  uint64
	hasPark bool
	parked  chan struct{}
	closed  bool
	muted   bool
	local   net.Addr
	remote  net.Addr
	logger  *zap.Logger
}

func newRecordPipe(local net.Addr, remote net.Addr, logger *zap.Logger) *recordPipe {
	p := &recordPipe{
		parked: make(chan struct{}, 1),
		local:  local,
		remote: remote,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *recordPipe) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 && !p.closed {
		p.parkAt = p.feeds
		p.hasPark = true
		select {
		case p.parked <- struct{}{}:
		default:
		}
		p.cond.Wait()
	}
	if p.in.Len() > 0 {
		n, _ = p.in.Read(b)
		return
	}
	err = net.ErrClosed
	return
}

func (p *recordPipe) Write(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		err = net.ErrClosed
		return
	}
	if p.muted {
		if alert, ok := plaintextAlert(b); ok {
			p.logger.Debug("security: alert suppressed", zap.String("alert", alert.String()))
		}
		n = len(b)
		return
	}
	n, err = p.out.Write(b)
	return
}

func (p *recordPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// feed appends socket bytes and returns the feed sequence they belong to.
func (p *recordPipe) feed(b []byte) (seq uint64) {
	p.mu.Lock()
	if len(b) > 0 && !p.closed {
		p.in.Write(b)
		p.feeds++
		p.cond.Broadcast()
	}
	seq = p.feeds
	p.mu.Unlock()
	return
}

// parkedSince reports whether the engine has consumed every feed up to seq
// and is waiting for more.
func (p *recordPipe) parkedSince(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPark && p.parkAt >= seq && p.in.Len() == 0
}

// drain takes the pending outbound records.
func (p *recordPipe) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(p.out.Bytes())
	p.out.Reset()
	return b
}

// mute discards every later write, so an abort never reaches the peer as an alert.
func (p *recordPipe) mute() {
	p.mu.Lock()
	p.muted = true
	p.out.Reset()
	p.mu.Unlock()
}

func (p *recordPipe) LocalAddr() net.Addr {
	return p.local
}

func (p *recordPipe) RemoteAddr() net.Addr {
	return p.remote
}

func (p *recordPipe) SetDeadline(time.Time) error {
	return nil
}

func (p *recordPipe) SetReadDeadline(time.Time) error {
	return nil
}

func (p *recordPipe) SetWriteDeadline(time.Time) error {
	return nil
}
