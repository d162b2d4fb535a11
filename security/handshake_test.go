package security_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brickingsoft/riotls/pkg/certs"
	"github.com/brickingsoft/riotls/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHandshakePolicyMatrix(t *testing.T) {
	f := newFixtures(t)

	stores := map[string]string{
		"empty":       "",
		"matching":    f.clientCAPEM,
		"nonmatching": f.otherCAPEM,
	}
	hooks := map[string]any{
		"none":   nil,
		"accept": func(*security.PresentedCertificate, bool) bool { return true },
		"reject": func(*security.PresentedCertificate, bool) bool { return false },
		"echo":   func(_ *security.PresentedCertificate, ok bool) bool { return ok },
	}
	expected := map[string]map[string]bool{
		"empty":       {"none": false, "accept": true, "reject": false, "echo": false},
		"matching":    {"none": true, "accept": true, "reject": false, "echo": true},
		"nonmatching": {"none": false, "accept": true, "reject": false, "echo": false},
	}

	for storeName, store := range stores {
		for hookName, hook := range hooks {
			t.Run(storeName+"/"+hookName, func(t *testing.T) {
				p := newPair(t, clientConfig(t, f), serverConfig(t, store, hook))
				p.run(t)
				if expected[storeName][hookName] {
					require.True(t, p.completed(), "client %s, server %s", p.client.State(), p.server.State())
					require.NoError(t, p.server.Err())
					return
				}
				require.True(t, p.neitherCompleted(), "client %s, server %s", p.client.State(), p.server.State())
				require.Equal(t, security.StateAborted, p.server.State())
				require.True(t, security.IsVerificationRejected(p.server.Err()), "%v", p.server.Err())
			})
		}
	}
}

func TestHandshakeHookForms(t *testing.T) {
	f := newFixtures(t)

	forms := map[string]func(result bool) any{
		"no_args": func(result bool) any {
			return func() bool { return result }
		},
		"cert_only": func(result bool) any {
			return func(*security.PresentedCertificate) bool { return result }
		},
		"cert_and_preverify": func(result bool) any {
			return func(*security.PresentedCertificate, bool) bool { return result }
		},
	}
	for name, form := range forms {
		t.Run(name+"/true", func(t *testing.T) {
			p := newPair(t, clientConfig(t, f), serverConfig(t, "", form(true)))
			p.run(t)
			require.True(t, p.completed())
		})
		t.Run(name+"/false", func(t *testing.T) {
			p := newPair(t, clientConfig(t, f), serverConfig(t, "", form(false)))
			p.run(t)
			require.True(t, p.neitherCompleted())
			require.Equal(t, security.StateAborted, p.client.State())
			require.Equal(t, security.StateAborted, p.server.State())
		})
	}
}

func TestHandshakePreverifyObserved(t *testing.T) {
	f := newFixtures(t)

	cases := []struct {
		store  string
		result bool
		want   bool
	}{
		{store: f.clientCAPEM, result: true, want: true},
		{store: f.clientCAPEM, result: false, want: true},
		{store: f.otherCAPEM, result: true, want: false},
		{store: f.otherCAPEM, result: false, want: false},
	}
	for _, c := range cases {
		var observed []bool
		hook := func(_ *security.PresentedCertificate, ok bool) bool {
			observed = append(observed, ok)
			return c.result
		}
		p := newPair(t, clientConfig(t, f), serverConfig(t, c.store, hook))
		p.run(t)
		require.Equal(t, []bool{c.want}, observed)
		require.Equal(t, c.result, p.completed())
	}
}

func TestHandshakePresentedCertificateIdentity(t *testing.T) {
	f := newFixtures(t)

	var (
		raw    []byte
		pemOut []byte
		handle *security.PresentedCertificate
		kept   *security.PresentedCertificate
	)
	hook := func(cert *security.PresentedCertificate) bool {
		raw = bytes.Clone(cert.Raw())
		pemOut = cert.PEM()
		handle = cert
		kept = cert.Clone()
		return true
	}
	p := newPair(t, clientConfig(t, f), serverConfig(t, "", hook))
	p.run(t)
	require.True(t, p.completed())

	require.Equal(t, f.client.Certificate.Raw, raw)
	require.Equal(t, f.client.CertificatePEM(), pemOut)
	require.Equal(t, 0, handle.Depth())
	require.False(t, handle.Valid())
	require.Nil(t, handle.X509())
	require.True(t, kept.Valid())
	require.Equal(t, f.client.Certificate.Raw, kept.Raw())
	require.Equal(t, "client", kept.X509().Subject.CommonName)

	peers := p.server.PeerCertificates()
	require.Len(t, peers, 1)
	require.Equal(t, f.client.Certificate.Raw, peers[0].Raw)
}

func TestHandshakeIntermediateChain(t *testing.T) {
	root, err := certs.NewAuthority("root")
	require.NoError(t, err)
	intermediate, err := root.IssueAuthority("intermediate")
	require.NoError(t, err)
	leaf, err := intermediate.Issue("leaf")
	require.NoError(t, err)
	rootPEM := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, certs.WriteFile(rootPEM, root.CertificatePEM(), 0o644))

	client, err := security.NewConfig(security.WithCertificate(leaf.TLSCertificate(intermediate.Certificate)))
	require.NoError(t, err)

	t.Run("accept", func(t *testing.T) {
		var depths []int
		var preverify []bool
		hook := func(cert *security.PresentedCertificate, ok bool) bool {
			depths = append(depths, cert.Depth())
			preverify = append(preverify, ok)
			return true
		}
		p := newPair(t, client, serverConfig(t, rootPEM, hook))
		p.run(t)
		require.True(t, p.completed())
		require.Equal(t, []int{1, 0}, depths)
		require.Equal(t, []bool{true, true}, preverify)
	})

	t.Run("reject stops the chain", func(t *testing.T) {
		var depths []int
		hook := func(cert *security.PresentedCertificate) bool {
			depths = append(depths, cert.Depth())
			return false
		}
		p := newPair(t, client, serverConfig(t, rootPEM, hook))
		p.run(t)
		require.True(t, p.neitherCompleted())
		require.Equal(t, []int{1}, depths)
	})

	t.Run("default policy", func(t *testing.T) {
		p := newPair(t, client, serverConfig(t, rootPEM, nil))
		p.run(t)
		require.True(t, p.completed())
	})
}

func TestHandshakeCallbackFault(t *testing.T) {
	f := newFixtures(t)

	hook := func(*security.PresentedCertificate, bool) bool {
		panic("hook exploded")
	}
	p := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, hook))
	require.NotPanics(t, func() {
		p.run(t)
	})
	require.True(t, p.neitherCompleted())
	require.True(t, security.IsVerificationRejected(p.server.Err()))

	faults := p.server.Faults()
	require.Len(t, faults, 1)
	require.True(t, security.IsCallbackFault(faults[0]))
	require.Empty(t, p.server.Faults())
}

func TestHandshakeAbortDuringCallback(t *testing.T) {
	f := newFixtures(t)

	var server *security.Handshake
	calls := 0
	hook := func(*security.PresentedCertificate) bool {
		calls++
		server.Abort(nil)
		return true
	}
	p := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, hook))
	server = p.server
	p.run(t)

	require.Equal(t, 1, calls)
	require.True(t, p.neitherCompleted())
	require.Equal(t, security.StateAborted, server.State())
	require.True(t, security.IsCanceled(server.Err()))
	require.Empty(t, server.Outbound())
	<-server.Exited()
}

func TestHandshakeAbortBetweenChainDepths(t *testing.T) {
	root, err := certs.NewAuthority("root")
	require.NoError(t, err)
	intermediate, err := root.IssueAuthority("intermediate")
	require.NoError(t, err)
	leaf, err := intermediate.Issue("leaf")
	require.NoError(t, err)
	client, err := security.NewConfig(security.WithCertificate(leaf.TLSCertificate(intermediate.Certificate)))
	require.NoError(t, err)

	var server *security.Handshake
	var depths []int
	hook := func(cert *security.PresentedCertificate) bool {
		depths = append(depths, cert.Depth())
		server.Abort(nil)
		return true
	}
	p := newPair(t, client, serverConfig(t, "", hook))
	server = p.server
	p.run(t)

	require.Equal(t, []int{1}, depths)
	require.True(t, p.neitherCompleted())
	require.True(t, security.IsCanceled(server.Err()))
}

func TestHandshakeServerVerificationVersionWindow(t *testing.T) {
	f := newFixtures(t)

	client, err := security.NewConfig(
		security.WithCertificate(f.clientCertificate()),
		security.WithVersions("1.2", "1.3"),
	)
	require.NoError(t, err)
	server := func(hook any, min string, max string) *security.Config {
		config, err := security.NewConfig(
			security.WithVerifyPeer(true),
			security.WithVerifyPeerFunc(hook),
			security.WithVersions(min, max),
		)
		require.NoError(t, err)
		return config
	}

	t.Run("reject", func(t *testing.T) {
		p := newPair(t, client, server(func() bool { return false }, "", "1.3"))
		p.run(t)
		require.True(t, p.neitherCompleted(), "client %s, server %s", p.client.State(), p.server.State())
		require.True(t, security.IsVerificationRejected(p.server.Err()))
	})

	t.Run("accept", func(t *testing.T) {
		p := newPair(t, client, server(func() bool { return true }, "1.2", "1.3"))
		p.run(t)
		require.True(t, p.completed())
		state, ok := p.client.ConnectionState()
		require.True(t, ok)
		require.Equal(t, uint16(tls.VersionTLS12), state.Version)
	})

	t.Run("tls 1.3 only", func(t *testing.T) {
		_, err := security.NewHandshake(context.Background(), security.RoleServer, server(nil, "1.3", "1.3"))
		require.True(t, security.IsConfigurationError(err), "%v", err)

		verifying, err := security.NewConfig(security.WithVerifyPeer(true), security.WithVersions("1.3", "1.3"))
		require.NoError(t, err)
		_, err = security.NewHandshake(context.Background(), security.RoleClient, verifying)
		require.NoError(t, err)
	})
}

func TestHandshakeContextCanceled(t *testing.T) {
	f := newFixtures(t)

	ctx, cancel := context.WithCancel(context.Background())
	server, err := security.NewHandshake(ctx, security.RoleServer, serverConfig(t, f.clientCAPEM, nil))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	cancel()
	<-server.Exited()
	require.Equal(t, security.StateAborted, server.State())
}

func TestHandshakeVerifyPeerDisabled(t *testing.T) {
	f := newFixtures(t)

	calls := 0
	server, err := security.NewConfig(
		security.WithVerifyPeer(false),
		security.WithVerifyPeerFunc(func() bool {
			calls++
			return false
		}),
	)
	require.NoError(t, err)
	p := newPair(t, clientConfig(t, f), server)
	p.run(t)
	require.True(t, p.completed())
	require.Zero(t, calls)
	require.Empty(t, p.server.PeerCertificates())
}

func TestHandshakeClientVerifiesServer(t *testing.T) {
	f := newFixtures(t)

	serverID, err := f.clientCA.Issue("server", "localhost")
	require.NoError(t, err)
	server, err := security.NewConfig(security.WithCertificate(serverID.TLSCertificate()))
	require.NoError(t, err)

	t.Run("trusted", func(t *testing.T) {
		client, err := security.NewConfig(
			security.WithVerifyPeer(true),
			security.WithCertAuthFile(f.clientCAPEM),
			security.WithServerName("localhost"),
		)
		require.NoError(t, err)
		p := newPair(t, client, server)
		p.run(t)
		require.True(t, p.completed())
	})

	t.Run("untrusted", func(t *testing.T) {
		client, err := security.NewConfig(
			security.WithVerifyPeer(true),
			security.WithCertAuthFile(f.otherCAPEM),
		)
		require.NoError(t, err)
		p := newPair(t, client, server)
		p.run(t)
		require.True(t, p.neitherCompleted())
		require.True(t, security.IsVerificationRejected(p.client.Err()))
	})
}

func TestHandshakeApplicationData(t *testing.T) {
	f := newFixtures(t)

	p := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, nil))
	p.run(t)
	require.True(t, p.completed())

	_, err := p.client.Write([]byte("hello"))
	require.NoError(t, err)
	p.pump()
	require.Equal(t, []byte("hello"), p.server.Received())

	_, err = p.server.Write([]byte("world"))
	require.NoError(t, err)
	p.pump()
	require.Equal(t, []byte("world"), p.client.Received())

	state, ok := p.client.ConnectionState()
	require.True(t, ok)
	require.True(t, state.HandshakeComplete)

	require.NoError(t, p.client.Close())
	p.pump()
	<-p.server.Exited()
	require.ErrorIs(t, p.server.ReadErr(), io.EOF)
}

func TestHandshakeStateErrors(t *testing.T) {
	f := newFixtures(t)

	p := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, nil))
	_, err := p.client.Write([]byte("early"))
	require.True(t, security.IsHandshakeStateError(err))
	require.Equal(t, security.StateNotStarted, p.client.OnIOReady(security.Readable, []byte{1}))

	p.run(t)
	require.True(t, security.IsHandshakeStateError(p.client.Start()))
	require.False(t, p.client.Abort(nil))

	idle, err := security.NewHandshake(context.Background(), security.RoleClient, clientConfig(t, f))
	require.NoError(t, err)
	require.True(t, idle.Abort(nil))
	require.Equal(t, security.StateAborted, idle.State())
	<-idle.Exited()
	require.True(t, security.IsHandshakeStateError(idle.Start()))

	_, err = security.NewHandshake(context.Background(), security.RoleServer, nil)
	require.True(t, security.IsConfigurationError(err))
}

func TestHandshakeMetrics(t *testing.T) {
	f := newFixtures(t)

	registry := prometheus.NewRegistry()
	metrics, err := security.NewMetrics(registry)
	require.NoError(t, err)

	accept := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, nil), security.WithMetrics(metrics))
	accept.run(t)
	require.True(t, accept.completed())

	reject := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, func() bool {
		panic("boom")
	}), security.WithMetrics(metrics))
	reject.run(t)
	require.True(t, reject.neitherCompleted())

	expected := `
# HELP riotls_handshakes_total Total number of TLS handshakes by role and outcome
# TYPE riotls_handshakes_total counter
riotls_handshakes_total{outcome="aborted",role="server"} 1
riotls_handshakes_total{outcome="completed",role="server"} 1
# HELP riotls_verify_decisions_total Total number of peer certificate verification decisions
# TYPE riotls_verify_decisions_total counter
riotls_verify_decisions_total{decision="accept"} 1
riotls_verify_decisions_total{decision="reject"} 1
# HELP riotls_verify_callback_faults_total Total number of faults raised by verify peer callbacks
# TYPE riotls_verify_callback_faults_total counter
riotls_verify_callback_faults_total 1
# HELP riotls_handshakes_in_progress Number of TLS handshakes currently in progress
# TYPE riotls_handshakes_in_progress gauge
riotls_handshakes_in_progress 0
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"riotls_handshakes_total",
		"riotls_verify_decisions_total",
		"riotls_verify_callback_faults_total",
		"riotls_handshakes_in_progress",
	))
}

func TestHandshakeMetrics_SharedRegistry(t *testing.T) {
	f := newFixtures(t)

	registry := prometheus.NewRegistry()
	first, err := security.NewMetrics(registry)
	require.NoError(t, err)
	second, err := security.NewMetrics(registry)
	require.NoError(t, err)

	for _, metrics := range []*security.Metrics{first, second} {
		p := newPair(t, clientConfig(t, f), serverConfig(t, f.clientCAPEM, nil), security.WithMetrics(metrics))
		p.run(t)
		require.True(t, p.completed())
	}

	expected := `
# HELP riotls_handshakes_total Total number of TLS handshakes by role and outcome
# TYPE riotls_handshakes_total counter
riotls_handshakes_total{outcome="completed",role="server"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "riotls_handshakes_total"))
}
