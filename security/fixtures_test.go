package security_test

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/brickingsoft/riotls/pkg/certs"
	"github.com/brickingsoft/riotls/security"
	"github.com/stretchr/testify/require"
)

type fixtures struct {
	clientCA    *certs.Identity
	otherCA     *certs.Identity
	client      *certs.Identity
	clientCAPEM string
	otherCAPEM  string
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	clientCA, err := certs.NewAuthority("client ca")
	require.NoError(t, err)
	otherCA, err := certs.NewAuthority("other ca")
	require.NoError(t, err)
	client, err := clientCA.Issue("client", "localhost")
	require.NoError(t, err)

	dir := t.TempDir()
	f := &fixtures{
		clientCA:    clientCA,
		otherCA:     otherCA,
		client:      client,
		clientCAPEM: filepath.Join(dir, "client_ca.pem"),
		otherCAPEM:  filepath.Join(dir, "other_ca.pem"),
	}
	require.NoError(t, certs.WriteFile(f.clientCAPEM, clientCA.CertificatePEM(), 0o644))
	require.NoError(t, certs.WriteFile(f.otherCAPEM, otherCA.CertificatePEM(), 0o644))
	return f
}

func (f *fixtures) clientCertificate() tls.Certificate {
	return f.client.TLSCertificate()
}

// pair runs a client and a server handshake against each other in memory.
type pair struct {
	client *security.Handshake
	server *security.Handshake
}

func newPair(t *testing.T, clientConfig *security.Config, serverConfig *security.Config, serverOptions ...security.HandshakeOption) *pair {
	t.Helper()
	client, err := security.NewHandshake(context.Background(), security.RoleClient, clientConfig)
	require.NoError(t, err)
	server, err := security.NewHandshake(context.Background(), security.RoleServer, serverConfig, serverOptions...)
	require.NoError(t, err)
	return &pair{client: client, server: server}
}

// run starts both sides and shuttles records until neither has output. A side
// left waiting after its peer aborted is aborted too, as closing the socket
// would do.
func (p *pair) run(t *testing.T) {
	t.Helper()
	require.NoError(t, p.server.Start())
	require.NoError(t, p.client.Start())
	p.pump()
	if p.server.State() == security.StateAborted {
		p.client.Abort(nil)
	}
	if p.client.State() == security.StateAborted {
		p.server.Abort(nil)
	}
}

func (p *pair) pump() {
	for i := 0; i < 16; i++ {
		toServer := p.client.Outbound()
		if len(toServer) > 0 {
			p.server.OnIOReady(security.Readable, toServer)
		}
		toClient := p.server.Outbound()
		if len(toClient) > 0 {
			p.client.OnIOReady(security.Readable, toClient)
		}
		if len(toServer) == 0 && len(toClient) == 0 {
			return
		}
	}
}

func (p *pair) completed() bool {
	return p.client.State() == security.StateCompleted && p.server.State() == security.StateCompleted
}

func (p *pair) neitherCompleted() bool {
	return p.client.State() != security.StateCompleted && p.server.State() != security.StateCompleted
}

func clientConfig(t *testing.T, f *fixtures) *security.Config {
	t.Helper()
	config, err := security.NewConfig(security.WithCertificate(f.clientCertificate()))
	require.NoError(t, err)
	return config
}

func serverConfig(t *testing.T, store string, hook any) *security.Config {
	t.Helper()
	config, err := security.NewConfig(
		security.WithVerifyPeer(true),
		security.WithCertAuthFile(store),
		security.WithVerifyPeerFunc(hook),
	)
	require.NoError(t, err)
	return config
}
