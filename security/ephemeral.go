package security

import (
	"crypto/tls"
	"sync"

	"github.com/brickingsoft/riotls/pkg/certs"
)

var (
	ephemeralOnce sync.Once
	ephemeralCert *tls.Certificate
	ephemeralErr  error
)

// ephemeralCertificate is the process-wide self-signed identity a server uses
// when no key and chain were configured.
func ephemeralCertificate() (*tls.Certificate, error) {
	ephemeralOnce.Do(func() {
		id, err := certs.SelfSigned("riotls", "localhost", "127.0.0.1", "::1")
		if err != nil {
			ephemeralErr = newConfigurationError(errMetaOpConfigure, "", err)
			return
		}
		certificate := id.TLSCertificate()
		ephemeralCert = &certificate
	})
	return ephemeralCert, ephemeralErr
}
