package security

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const plaintextReadSize = 16 << 10

type HandshakeOptions struct {
	Logger     *zap.Logger
	Metrics    *Metrics
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

type HandshakeOption func(options *HandshakeOptions)

func WithLogger(logger *zap.Logger) HandshakeOption {
	return func(options *HandshakeOptions) {
		options.Logger = logger
	}
}

func WithMetrics(metrics *Metrics) HandshakeOption {
	return func(options *HandshakeOptions) {
		options.Metrics = metrics
	}
}

// WithAddrs sets the addresses the engine reports for the connection.
func WithAddrs(local net.Addr, remote net.Addr) HandshakeOption {
	return func(options *HandshakeOptions) {
		options.LocalAddr = local
		options.RemoteAddr = remote
	}
}

// Handshake drives one TLS negotiation as a resumable state machine.
//
// Socket bytes are handed in with OnIOReady and records to send are taken out
// with Outbound; a step returns as soon as the engine needs more peer bytes, so
// the caller is never blocked on socket I/O. Verification of the peer chain
// runs inside the step that delivered the peer's certificates.
//
// After completion the same object carries application data: Write encrypts,
// Received returns decrypted bytes, Close sends close_notify.
type Handshake struct {
	ctx      context.Context
	role     Role
	config   *Config
	verifier *Verifier
	logger   *zap.Logger
	metrics  *Metrics
	pipe     *recordPipe
	conn     *tls.Conn

	state     atomic.Int32
	rejected  atomic.Bool
	startedAt atomic.Int64

	mu        sync.Mutex
	err       error
	faults    []error
	plaintext bytes.Buffer
	readErr   error

	exited   chan struct{}
	exitOnce sync.Once
}

// NewHandshake builds the engine for one connection. The TLS configuration is
// derived from config and the peer verification posture fixed here.
func NewHandshake(ctx context.Context, role Role, config *Config, options ...HandshakeOption) (hs *Handshake, err error) {
	if config == nil {
		err = newConfigurationError(errMetaOpConfigure, "", nil)
		return
	}
	opt := HandshakeOptions{}
	for _, option := range options {
		option(&opt)
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("role", role.String()))
	if ctx == nil {
		ctx = context.Background()
	}

	hs = &Handshake{
		ctx:      ctx,
		role:     role,
		config:   config,
		verifier: NewVerifier(config.store, config.hook),
		logger:   logger,
		metrics:  opt.Metrics,
		pipe:     newRecordPipe(opt.LocalAddr, opt.RemoteAddr, logger),
		exited:   make(chan struct{}),
	}

	tc, tcErr := config.tlsConfig(role, hs.onVerifyPeerCertificate)
	if tcErr != nil {
		hs = nil
		err = tcErr
		return
	}
	if role == RoleServer {
		hs.conn = tls.Server(hs.pipe, tc)
	} else {
		hs.conn = tls.Client(hs.pipe, tc)
	}
	return
}

// Start moves NotStarted to InProgress and runs the engine until it waits for
// the peer. A client has its hello ready in Outbound when Start returns.
func (hs *Handshake) Start() (err error) {
	hs.startedAt.Store(time.Now().UnixNano())
	if !hs.state.CompareAndSwap(int32(StateNotStarted), int32(StateInProgress)) {
		err = newStateError(hs.State())
		return
	}
	hs.metrics.started()
	hs.logger.Debug("Handshake started",
		zap.Bool("verify_peer", hs.config.verifyPeer),
		zap.Int("trust_store", hs.config.store.Len()),
		zap.String("hook", hs.config.hook.Kind().String()),
	)
	go hs.run()
	hs.await(0)
	return
}

// OnIOReady advances the negotiation by one step. Readable delivers p, the
// bytes just read from the socket; Writable only reports the current state,
// since pending records are always available through Outbound.
func (hs *Handshake) OnIOReady(direction Direction, p []byte) (state State) {
	if hs.State() == StateNotStarted {
		state = StateNotStarted
		return
	}
	if direction == Readable && len(p) > 0 {
		select {
		case <-hs.exited:
		default:
			seq := hs.pipe.feed(p)
			hs.await(seq)
		}
	}
	state = hs.State()
	return
}

// await returns once the engine consumed every feed up to seq and parked, or
// stopped.
func (hs *Handshake) await(seq uint64) {
	for {
		if hs.pipe.parkedSince(seq) {
			return
		}
		select {
		case <-hs.pipe.parked:
		case <-hs.exited:
			return
		}
	}
}

func (hs *Handshake) run() {
	defer hs.exit()
	hs.finish(hs.conn.HandshakeContext(hs.ctx))
	if hs.State() != StateCompleted {
		return
	}
	b := make([]byte, plaintextReadSize)
	for {
		n, err := hs.conn.Read(b)
		if n > 0 {
			hs.mu.Lock()
			hs.plaintext.Write(b[:n])
			hs.mu.Unlock()
		}
		if err != nil {
			hs.mu.Lock()
			hs.readErr = err
			hs.mu.Unlock()
			return
		}
	}
}

// finish resolves the negotiation once the engine returned.
func (hs *Handshake) finish(err error) {
	if err == nil && hs.rejected.Load() {
		err = newRejectedError(0)
	}
	if err != nil {
		switch {
		case IsVerificationRejected(err), IsCanceled(err):
		case hs.ctx.Err() != nil:
			err = newCanceledError(err)
		default:
			err = newTransportError(err)
		}
		hs.Abort(err)
		return
	}
	if !hs.state.CompareAndSwap(int32(StateInProgress), int32(StateCompleted)) {
		return
	}
	hs.metrics.finished(hs.role, StateCompleted, hs.elapsed())
	cs := hs.conn.ConnectionState()
	hs.logger.Debug("Handshake completed",
		zap.String("version", tls.VersionName(cs.Version)),
		zap.String("cipher_suite", tls.CipherSuiteName(cs.CipherSuite)),
		zap.Int("peer_certificates", len(cs.PeerCertificates)),
	)
}

func (hs *Handshake) elapsed() time.Duration {
	return time.Duration(time.Now().UnixNano() - hs.startedAt.Load())
}

func (hs *Handshake) exit() {
	hs.exitOnce.Do(func() {
		close(hs.exited)
	})
}

// onVerifyPeerCertificate evaluates the presented chain from the deepest
// certificate down to the leaf and stops at the first reject.
func (hs *Handshake) onVerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if hs.State() != StateInProgress {
		return newCanceledError(hs.Err())
	}
	chain, err := parsePresentedChain(rawCerts)
	if err != nil || len(chain) == 0 {
		hs.rejected.Store(true)
		hs.pipe.mute()
		hs.metrics.decided(false)
		hs.logger.Debug("Peer presented no usable certificate", zap.Error(err))
		return newRejectedError(0)
	}
	for depth := len(chain) - 1; depth >= 0; depth-- {
		preverify := hs.verifier.Preverify(chain, depth)
		cert := newPresentedCertificate(rawCerts[depth], chain[depth], depth)
		if !hs.onVerifyStep(cert, preverify) {
			if hs.State() != StateInProgress {
				return newCanceledError(hs.Err())
			}
			return newRejectedError(depth)
		}
	}
	return nil
}

// onVerifyStep runs the decision for one certificate. A reject mutes the
// record pipe so the peer gets no alert.
func (hs *Handshake) onVerifyStep(cert *PresentedCertificate, preverify bool) (accept bool) {
	if hs.State() != StateInProgress {
		cert.release()
		hs.logger.Debug("Verification skipped", zap.Int("depth", cert.Depth()))
		return
	}
	accept, fault := hs.verifier.Decide(cert, preverify)
	cert.release()
	if hs.State() != StateInProgress {
		hs.logger.Debug("Verification result discarded", zap.Int("depth", cert.Depth()))
		accept = false
		return
	}
	if fault != nil {
		hs.mu.Lock()
		hs.faults = append(hs.faults, fault)
		hs.mu.Unlock()
		hs.metrics.faulted()
		hs.logger.Warn("Verify peer callback failed", zap.Int("depth", cert.Depth()), zap.Error(fault))
	}
	hs.metrics.decided(accept)
	hs.logger.Debug("Peer certificate verified",
		zap.Int("depth", cert.Depth()),
		zap.Bool("preverify", preverify),
		zap.Bool("accept", accept),
	)
	if !accept {
		hs.rejected.Store(true)
		hs.pipe.mute()
	}
	return
}

// Abort cancels the handshake from any non terminal state. Verification in
// flight has its result discarded and no further callback fires. It reports
// whether this call made the transition.
func (hs *Handshake) Abort(cause error) (aborted bool) {
	var prev State
	for {
		prev = hs.State()
		if prev.Terminal() {
			return
		}
		if hs.state.CompareAndSwap(int32(prev), int32(StateAborted)) {
			break
		}
	}
	aborted = true
	if cause == nil {
		cause = newCanceledError(nil)
	}
	hs.mu.Lock()
	hs.err = cause
	hs.mu.Unlock()

	hs.pipe.mute()
	_ = hs.pipe.Close()
	if prev == StateNotStarted {
		hs.exit()
		return
	}
	hs.metrics.finished(hs.role, StateAborted, hs.elapsed())
	hs.logger.Debug("Handshake aborted", zap.Error(cause))
	return
}

// Outbound takes the records waiting to be written to the socket.
func (hs *Handshake) Outbound() []byte {
	return hs.pipe.drain()
}

func (hs *Handshake) State() State {
	return State(hs.state.Load())
}

func (hs *Handshake) Role() Role {
	return hs.role
}

func (hs *Handshake) Config() *Config {
	return hs.config
}

// Err is the cause of the abort, nil unless the state is StateAborted.
func (hs *Handshake) Err() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.err
}

// Faults takes the verify callback faults recorded since the last call.
func (hs *Handshake) Faults() (faults []error) {
	hs.mu.Lock()
	faults = hs.faults
	hs.faults = nil
	hs.mu.Unlock()
	return
}

// Write encrypts application data. The records are taken with Outbound.
func (hs *Handshake) Write(p []byte) (n int, err error) {
	if state := hs.State(); state != StateCompleted {
		err = newStateError(state)
		return
	}
	n, err = hs.conn.Write(p)
	return
}

// Received takes the application data decrypted so far.
func (hs *Handshake) Received() []byte {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.plaintext.Len() == 0 {
		return nil
	}
	b := bytes.Clone(hs.plaintext.Bytes())
	hs.plaintext.Reset()
	return b
}

// Exited is closed once the engine stopped, after an abort or when the peer
// closed the session.
func (hs *Handshake) Exited() <-chan struct{} {
	return hs.exited
}

// ReadErr is the error that ended the session read loop. io.EOF means the
// peer sent close_notify.
func (hs *Handshake) ReadErr() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.readErr
}

// Close ends the session. A completed session queues close_notify in Outbound;
// any other state aborts.
func (hs *Handshake) Close() (err error) {
	if hs.State() != StateCompleted {
		hs.Abort(newCanceledError(nil))
		return
	}
	err = hs.conn.Close()
	return
}

// ConnectionState returns the negotiated session, ok only once completed.
func (hs *Handshake) ConnectionState() (state tls.ConnectionState, ok bool) {
	if hs.State() != StateCompleted {
		return
	}
	state = hs.conn.ConnectionState()
	ok = true
	return
}

// PeerCertificates returns the chain the peer presented, leaf first.
func (hs *Handshake) PeerCertificates() []*x509.Certificate {
	state, ok := hs.ConnectionState()
	if !ok {
		return nil
	}
	return state.PeerCertificates
}
