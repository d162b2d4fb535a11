package security

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"
)

// TrustStore is the set of CA certificates used for chain preverification.
// It is never mutated after construction and may be shared by any number of
// connections.
type TrustStore struct {
	pool  *x509.CertPool
	certs []*x509.Certificate
	file  string
}

// NewTrustStore builds a store from already parsed certificates.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	store := &TrustStore{
		pool:  x509.NewCertPool(),
		certs: make([]*x509.Certificate, 0, len(certs)),
	}
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		store.pool.AddCert(cert)
		store.certs = append(store.certs, cert)
	}
	return store
}

// LoadTrustStore reads a PEM bundle of CA certificates. An empty file name
// yields an empty store. A configured file that cannot be read or holds no
// certificate is a configuration error.
func LoadTrustStore(file string) (store *TrustStore, err error) {
	if file == "" {
		store = NewTrustStore()
		return
	}
	data, readErr := os.ReadFile(file)
	if readErr != nil {
		err = newConfigurationError(errMetaOpLoad, file, readErr)
		return
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			continue
		}
		cert, parseErr := x509.ParseCertificate(block.Bytes)
		if parseErr != nil {
			continue
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		err = newConfigurationError(errMetaOpLoad, file, nil)
		return
	}
	store = NewTrustStore(certs...)
	store.file = file
	return
}

// Len returns the number of CA certificates.
func (store *TrustStore) Len() int {
	if store == nil {
		return 0
	}
	return len(store.certs)
}

func (store *TrustStore) Empty() bool {
	return store.Len() == 0
}

// File is the bundle the store was loaded from, if any.
func (store *TrustStore) File() string {
	if store == nil {
		return ""
	}
	return store.file
}

// Certificates returns the CA certificates in load order.
func (store *TrustStore) Certificates() []*x509.Certificate {
	if store == nil {
		return nil
	}
	return append([]*x509.Certificate(nil), store.certs...)
}

// Preverify reports whether chain[depth] chains to a certificate of the store,
// using the certificates presented above it as intermediates. It is always
// false for an empty store; the system roots are never consulted.
func (store *TrustStore) Preverify(chain []*x509.Certificate, depth int) bool {
	if store.Empty() || depth < 0 || depth >= len(chain) {
		return false
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[depth+1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[depth].Verify(x509.VerifyOptions{
		Roots:         store.pool,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}
