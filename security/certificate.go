package security

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"sync"
)

// PresentedCertificate is a handle to one certificate of the chain the peer
// presented. It is valid only for the duration of the verify hook call that
// received it; afterwards every accessor returns nil. Use Clone to keep it.
type PresentedCertificate struct {
	mu       sync.RWMutex
	raw      []byte
	cert     *x509.Certificate
	depth    int
	retained bool
}

func newPresentedCertificate(raw []byte, cert *x509.Certificate, depth int) *PresentedCertificate {
	return &PresentedCertificate{
		raw:   raw,
		cert:  cert,
		depth: depth,
	}
}

// Raw returns the DER bytes exactly as presented by the peer.
func (c *PresentedCertificate) Raw() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

// PEM returns the PEM encoding of Raw.
func (c *PresentedCertificate) PEM() []byte {
	raw := c.Raw()
	if raw == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})
}

// X509 returns the parsed certificate.
func (c *PresentedCertificate) X509() *x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert
}

// Depth is the position in the presented chain, 0 being the peer's own certificate.
func (c *PresentedCertificate) Depth() int {
	return c.depth
}

// Valid reports whether the handle still refers to a certificate.
func (c *PresentedCertificate) Valid() bool {
	return c.Raw() != nil
}

// Equal reports whether both handles refer to byte-identical certificates.
func (c *PresentedCertificate) Equal(other *PresentedCertificate) bool {
	if other == nil {
		return false
	}
	raw := c.Raw()
	return raw != nil && bytes.Equal(raw, other.Raw())
}

// Clone returns a copy that stays valid after the hook returns.
func (c *PresentedCertificate) Clone() *PresentedCertificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.raw == nil {
		return &PresentedCertificate{depth: c.depth, retained: true}
	}
	raw := bytes.Clone(c.raw)
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		cert = c.cert
	}
	return &PresentedCertificate{
		raw:      raw,
		cert:     cert,
		depth:    c.depth,
		retained: true,
	}
}

func (c *PresentedCertificate) release() {
	c.mu.Lock()
	if !c.retained {
		c.raw = nil
		c.cert = nil
	}
	c.mu.Unlock()
}

func parsePresentedChain(rawCerts [][]byte) (chain []*x509.Certificate, err error) {
	chain = make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, parseErr := x509.ParseCertificate(raw)
		if parseErr != nil {
			err = parseErr
			return
		}
		chain = append(chain, cert)
	}
	return
}
