package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultValidity = 24 * time.Hour * 365
	clockSkew       = time.Hour
)

// Identity is a certificate together with its signing key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// NewAuthority creates a self-signed certificate authority.
func NewAuthority(commonName string) (ca *Identity, err error) {
	key, keyErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if keyErr != nil {
		err = fmt.Errorf("certs: generate key failed: %w", keyErr)
		return
	}
	template, templateErr := newTemplate(commonName)
	if templateErr != nil {
		err = templateErr
		return
	}
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	ca, err = sign(template, template, key, key)
	return
}

// IssueAuthority creates an intermediate authority signed by ca.
func (ca *Identity) IssueAuthority(commonName string) (sub *Identity, err error) {
	key, keyErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if keyErr != nil {
		err = fmt.Errorf("certs: generate key failed: %w", keyErr)
		return
	}
	template, templateErr := newTemplate(commonName)
	if templateErr != nil {
		err = templateErr
		return
	}
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	sub, err = sign(template, ca.Certificate, key, ca.PrivateKey)
	return
}

// Issue creates a leaf certificate usable for both client and server authentication.
func (ca *Identity) Issue(commonName string, hosts ...string) (leaf *Identity, err error) {
	key, keyErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if keyErr != nil {
		err = fmt.Errorf("certs: generate key failed: %w", keyErr)
		return
	}
	template, templateErr := newTemplate(commonName)
	if templateErr != nil {
		err = templateErr
		return
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	setHosts(template, hosts)
	leaf, err = sign(template, ca.Certificate, key, ca.PrivateKey)
	return
}

// SelfSigned creates a leaf certificate that signs itself.
func SelfSigned(commonName string, hosts ...string) (leaf *Identity, err error) {
	key, keyErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if keyErr != nil {
		err = fmt.Errorf("certs: generate key failed: %w", keyErr)
		return
	}
	template, templateErr := newTemplate(commonName)
	if templateErr != nil {
		err = templateErr
		return
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	setHosts(template, hosts)
	leaf, err = sign(template, template, key, key)
	return
}

// CertificatePEM returns the PEM encoding of the certificate.
func (id *Identity) CertificatePEM() []byte {
	return EncodeCertificates(id.Certificate)
}

// PrivateKeyPEM returns the PKCS #8 PEM encoding of the private key.
func (id *Identity) PrivateKeyPEM() (p []byte, err error) {
	der, derErr := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if derErr != nil {
		err = fmt.Errorf("certs: marshal private key failed: %w", derErr)
		return
	}
	p = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return
}

// TLSCertificate builds a tls.Certificate whose chain is the identity followed by chain.
func (id *Identity) TLSCertificate(chain ...*x509.Certificate) tls.Certificate {
	certificate := tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
	for _, cert := range chain {
		certificate.Certificate = append(certificate.Certificate, cert.Raw)
	}
	return certificate
}

// WriteFiles writes the certificate (followed by chain) and the private key as PEM files.
func (id *Identity) WriteFiles(certFile string, keyFile string, chain ...*x509.Certificate) (err error) {
	keyPEM, keyErr := id.PrivateKeyPEM()
	if keyErr != nil {
		err = keyErr
		return
	}
	certs := append([]*x509.Certificate{id.Certificate}, chain...)
	if err = WriteFile(certFile, EncodeCertificates(certs...), 0o644); err != nil {
		return
	}
	err = WriteFile(keyFile, keyPEM, 0o600)
	return
}

// EncodeCertificates concatenates the PEM encodings of certs.
func EncodeCertificates(certs ...*x509.Certificate) []byte {
	var p []byte
	for _, cert := range certs {
		p = append(p, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return p
}

// WriteFile writes p to name, creating parent directories.
func WriteFile(name string, p []byte, perm os.FileMode) (err error) {
	if dir := filepath.Dir(name); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}
	err = os.WriteFile(name, p, perm)
	return
}

func setHosts(template *x509.Certificate, hosts []string) {
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, host)
	}
}

var errNilTemplate = errors.New("certs: nil template")

func newTemplate(commonName string) (template *x509.Certificate, err error) {
	serial, serialErr := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if serialErr != nil {
		err = fmt.Errorf("certs: generate serial number failed: %w", serialErr)
		return
	}
	now := time.Now()
	template = &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"riotls"}},
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     now.Add(defaultValidity),
	}
	return
}

func sign(template *x509.Certificate, parent *x509.Certificate, key *ecdsa.PrivateKey, parentKey crypto.Signer) (id *Identity, err error) {
	if template == nil || parent == nil {
		err = errNilTemplate
		return
	}
	der, createErr := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if createErr != nil {
		err = fmt.Errorf("certs: create certificate failed: %w", createErr)
		return
	}
	cert, parseErr := x509.ParseCertificate(der)
	if parseErr != nil {
		err = fmt.Errorf("certs: parse certificate failed: %w", parseErr)
		return
	}
	id = &Identity{
		Certificate: cert,
		PrivateKey:  key,
	}
	return
}
