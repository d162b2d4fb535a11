package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options is the configuration surface of a TLS endpoint.
type Options struct {
	PrivateKeyFile string   `yaml:"private_key_file"`
	CertChainFile  string   `yaml:"cert_chain_file"`
	VerifyPeer     bool     `yaml:"verify_peer"`
	CertAuthFile   string   `yaml:"cert_auth_file"`
	ServerName     string   `yaml:"server_name"`
	MinVersion     string   `yaml:"min_version"`
	MaxVersion     string   `yaml:"max_version"`
	CipherSuites   []string `yaml:"cipher_suites"`

	// VerifyHook is set in code only.
	VerifyHook VerifyHook `yaml:"-"`
	// Certificate is used instead of the key and chain files when set.
	Certificate *tls.Certificate `yaml:"-"`
}

type Option func(options *Options) (err error)

// WithPrivateKeyFile
// PEM file holding this endpoint's private key.
func WithPrivateKeyFile(file string) Option {
	return func(options *Options) (err error) {
		options.PrivateKeyFile = file
		return
	}
}

// WithCertChainFile
// PEM file holding this endpoint's certificate followed by its intermediates.
func WithCertChainFile(file string) Option {
	return func(options *Options) (err error) {
		options.CertChainFile = file
		return
	}
}

// WithCertificate
// Use an already loaded identity.
func WithCertificate(certificate tls.Certificate) Option {
	return func(options *Options) (err error) {
		options.Certificate = &certificate
		return
	}
}

// WithVerifyPeer
// Require and verify the peer's certificate.
func WithVerifyPeer(verify bool) Option {
	return func(options *Options) (err error) {
		options.VerifyPeer = verify
		return
	}
}

// WithCertAuthFile
// PEM bundle of CA certificates used for preverification.
func WithCertAuthFile(file string) Option {
	return func(options *Options) (err error) {
		options.CertAuthFile = file
		return
	}
}

// WithServerName
// Server name sent by clients in the SNI extension.
func WithServerName(name string) Option {
	return func(options *Options) (err error) {
		options.ServerName = name
		return
	}
}

// WithVersions
// Protocol version window, e.g. "1.2" and "1.3". Empty keeps the default.
func WithVersions(min string, max string) Option {
	return func(options *Options) (err error) {
		if _, err = parseVersion(min); err != nil {
			return
		}
		if _, err = parseVersion(max); err != nil {
			return
		}
		options.MinVersion = min
		options.MaxVersion = max
		return
	}
}

// WithCipherSuites
// Cipher suite names as reported by tls.CipherSuiteName. Passed through as is.
func WithCipherSuites(names ...string) Option {
	return func(options *Options) (err error) {
		if _, err = parseCipherSuites(names); err != nil {
			return
		}
		options.CipherSuites = names
		return
	}
}

// WithVerifyHook
// The application's verify peer callback.
func WithVerifyHook(hook VerifyHook) Option {
	return func(options *Options) (err error) {
		options.VerifyHook = hook
		return
	}
}

// WithVerifyPeerFunc
// Like WithVerifyHook, accepting any form HookOf accepts.
func WithVerifyPeerFunc(fn any) Option {
	return func(options *Options) (err error) {
		options.VerifyHook, err = HookOf(fn)
		return
	}
}

// LoadOptions reads Options from a YAML file.
func LoadOptions(file string) (options Options, err error) {
	data, readErr := os.ReadFile(file)
	if readErr != nil {
		err = newConfigurationError(errMetaOpLoad, file, readErr)
		return
	}
	if err = yaml.Unmarshal(data, &options); err != nil {
		err = newConfigurationError(errMetaOpLoad, file, err)
		return
	}
	return
}

// Apply returns an Option that copies every field of options.
func (options Options) Apply() Option {
	return func(target *Options) (err error) {
		*target = options
		return
	}
}

const (
	defaultMinVersion = tls.VersionTLS12
	defaultMaxVersion = tls.VersionTLS12

	maxVerifyingServerVersion = tls.VersionTLS12
)

// Config is the immutable per-endpoint handshake configuration. Build it once
// with NewConfig and share it between connections; the trust store is loaded
// here, not during the handshake.
type Config struct {
	certificate  *tls.Certificate
	verifyPeer   bool
	store        *TrustStore
	hook         VerifyHook
	serverName   string
	minVersion   uint16
	maxVersion   uint16
	cipherSuites []uint16
}

func NewConfig(options ...Option) (config *Config, err error) {
	opt := Options{}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err = option(&opt); err != nil {
			if !IsConfigurationError(err) {
				err = newConfigurationError(errMetaOpConfigure, "", err)
			}
			return
		}
	}

	config = &Config{
		verifyPeer: opt.VerifyPeer,
		hook:       opt.VerifyHook,
		serverName: opt.ServerName,
		minVersion: defaultMinVersion,
		maxVersion: defaultMaxVersion,
	}

	switch {
	case opt.Certificate != nil:
		certificate := *opt.Certificate
		config.certificate = &certificate
	case opt.CertChainFile != "" && opt.PrivateKeyFile != "":
		certificate, loadErr := tls.LoadX509KeyPair(opt.CertChainFile, opt.PrivateKeyFile)
		if loadErr != nil {
			config = nil
			err = newConfigurationError(errMetaOpLoad, opt.CertChainFile, loadErr)
			return
		}
		config.certificate = &certificate
	case opt.CertChainFile != "":
		config = nil
		err = newConfigurationError(errMetaOpConfigure, opt.CertChainFile, fmt.Errorf("cert_chain_file is set without private_key_file"))
		return
	case opt.PrivateKeyFile != "":
		config = nil
		err = newConfigurationError(errMetaOpConfigure, opt.PrivateKeyFile, fmt.Errorf("private_key_file is set without cert_chain_file"))
		return
	}

	store, storeErr := LoadTrustStore(opt.CertAuthFile)
	if storeErr != nil {
		config = nil
		err = storeErr
		return
	}
	config.store = store

	minVersion, minErr := parseVersion(opt.MinVersion)
	if minErr != nil {
		config = nil
		err = minErr
		return
	}
	maxVersion, maxErr := parseVersion(opt.MaxVersion)
	if maxErr != nil {
		config = nil
		err = maxErr
		return
	}
	if minVersion != 0 {
		config.minVersion = minVersion
	}
	if maxVersion != 0 {
		config.maxVersion = maxVersion
		if minVersion == 0 && maxVersion < config.minVersion {
			config.minVersion = maxVersion
		}
	}
	if config.minVersion > config.maxVersion {
		config = nil
		err = newConfigurationError(errMetaOpConfigure, "", fmt.Errorf("min_version is above max_version"))
		return
	}
	suites, suitesErr := parseCipherSuites(opt.CipherSuites)
	if suitesErr != nil {
		config = nil
		err = newConfigurationError(errMetaOpConfigure, "", suitesErr)
		return
	}
	config.cipherSuites = suites
	return
}

// WithVerifyHook returns a copy of the config with hook installed. The trust
// store is shared with the receiver.
func (config *Config) WithVerifyHook(hook VerifyHook) *Config {
	c := *config
	c.hook = hook
	return &c
}

func (config *Config) VerifyPeer() bool {
	return config.verifyPeer
}

func (config *Config) TrustStore() *TrustStore {
	return config.store
}

func (config *Config) VerifyHook() VerifyHook {
	return config.hook
}

// HasCertificate reports whether identity material was configured.
func (config *Config) HasCertificate() bool {
	return config.certificate != nil
}

// Versions returns the protocol version window.
func (config *Config) Versions() (min uint16, max uint16) {
	return config.minVersion, config.maxVersion
}

// tlsConfig builds the crypto/tls configuration for one connection. When peer
// verification is requested, library verification is disabled and every
// decision goes through verify; the client CA list is left empty so a client
// always sends its certificate whatever the server trusts.
func (config *Config) tlsConfig(role Role, verify func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error) (tc *tls.Config, err error) {
	tc = &tls.Config{
		MinVersion:             config.minVersion,
		MaxVersion:             config.maxVersion,
		CipherSuites:           config.cipherSuites,
		SessionTicketsDisabled: true,
	}
	certificate := config.certificate
	switch role {
	case RoleServer:
		if certificate == nil {
			if certificate, err = ephemeralCertificate(); err != nil {
				tc = nil
				return
			}
		}
		tc.Certificates = []tls.Certificate{*certificate}
		if config.verifyPeer {
			// a TLS 1.3 client finishes before the server has judged its certificate
			if config.minVersion > maxVerifyingServerVersion {
				tc = nil
				err = newConfigurationError(errMetaOpConfigure, "", fmt.Errorf("verify_peer on a server needs a version window that includes TLS 1.2"))
				return
			}
			if tc.MaxVersion > maxVerifyingServerVersion {
				tc.MaxVersion = maxVerifyingServerVersion
			}
			tc.ClientAuth = tls.RequireAnyClientCert
			tc.VerifyPeerCertificate = verify
		} else {
			tc.ClientAuth = tls.NoClientCert
		}
	case RoleClient:
		if certificate != nil {
			tc.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
				return certificate, nil
			}
		}
		tc.ServerName = config.serverName
		tc.InsecureSkipVerify = true
		if config.verifyPeer {
			tc.VerifyPeerCertificate = verify
		}
	default:
		tc = nil
		err = newConfigurationError(errMetaOpConfigure, "", fmt.Errorf("unknown role %s", role))
	}
	return
}

func parseVersion(s string) (v uint16, err error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls") {
	case "":
	case "1.0", "10":
		v = tls.VersionTLS10
	case "1.1", "11":
		v = tls.VersionTLS11
	case "1.2", "12":
		v = tls.VersionTLS12
	case "1.3", "13":
		v = tls.VersionTLS13
	default:
		err = newConfigurationError(errMetaOpConfigure, "", fmt.Errorf("unknown TLS version %q", s))
	}
	return
}

func parseCipherSuites(names []string) (ids []uint16, err error) {
	if len(names) == 0 {
		return
	}
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			err = newConfigurationError(errMetaOpConfigure, "", fmt.Errorf("unknown cipher suite %q", name))
			return
		}
		ids = append(ids, id)
	}
	return
}
