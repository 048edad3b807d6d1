// Package certs builds the mutual-TLS configuration used on both ends of
// the channel and keeps the server side current across certificate
// rotation.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// AllowedCipherSuites is the full set of suites the policy permits:
// ephemeral ECDH key exchange with AES-GCM only.
var AllowedCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

var opensslNames = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,

	// recognised so that they fail as "not permitted" rather than "unknown"
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-AES128-SHA256":       tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-ECDSA-AES128-SHA256":     tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"DES-CBC3-SHA":                  tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	"RC4-SHA":                       tls.TLS_RSA_WITH_RC4_128_SHA,
}

// ConfigError reports a TLS configuration that cannot be built. It is
// always returned at construction time, never during a handshake.
type ConfigError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("tls config: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("tls config: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ClientAuthMode selects how the server treats client certificates.
type ClientAuthMode int

const (
	ClientAuthRequired ClientAuthMode = iota
	ClientAuthOptional
)

// ParseClientAuth accepts "required" (default) and "optional".
func ParseClientAuth(s string) (ClientAuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return ClientAuthRequired, nil
	case "optional":
		return ClientAuthOptional, nil
	}
	return ClientAuthRequired, &ConfigError{Op: "client auth", Err: fmt.Errorf("unknown mode %q", s)}
}

func (m ClientAuthMode) tlsType() tls.ClientAuthType {
	if m == ClientAuthOptional {
		return tls.VerifyClientCertIfGiven
	}
	return tls.RequireAndVerifyClientCert
}

// ParseCipherSuites reads a colon or comma separated list of Go or OpenSSL
// suite names. An empty list selects AllowedCipherSuites. Any suite outside
// the allow-list is a *ConfigError.
func ParseCipherSuites(list string) ([]uint16, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return append([]uint16(nil), AllowedCipherSuites...), nil
	}

	out := make([]uint16, 0, len(fields))
	for _, name := range fields {
		id, ok := opensslNames[strings.ToUpper(name)]
		if !ok {
			id, ok = goSuiteID(name)
		}
		if !ok {
			return nil, &ConfigError{Op: "cipher suites", Err: fmt.Errorf("unknown cipher suite %q", name)}
		}
		if !allowed(id) {
			return nil, &ConfigError{Op: "cipher suites", Err: fmt.Errorf("cipher suite %q is not permitted", name)}
		}
		if !containsSuite(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func goSuiteID(name string) (uint16, bool) {
	for _, s := range tls.CipherSuites() {
		if strings.EqualFold(s.Name, name) {
			return s.ID, true
		}
	}
	for _, s := range tls.InsecureCipherSuites() {
		if strings.EqualFold(s.Name, name) {
			return s.ID, true
		}
	}
	return 0, false
}

func allowed(id uint16) bool { return containsSuite(AllowedCipherSuites, id) }

func containsSuite(list []uint16, id uint16) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// ServerOptions locate the server's credentials and tune the policy.
type ServerOptions struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	Ciphers    string
	ClientAuth ClientAuthMode
	Now        func() time.Time
}

// ClientOptions locate the client's credentials. ServerName is mandatory:
// the server certificate is always checked against it.
type ClientOptions struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	Ciphers    string
	Now        func() time.Time
}

func baseConfig(suites []uint16) *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		MaxVersion:       tls.VersionTLS12,
		CipherSuites:     suites,
		CurvePreferences: []tls.CurveID{tls.CurveP256},
	}
}

// ServerConfig builds the server side of the mutual-TLS policy.
func ServerConfig(opts ServerOptions) (*tls.Config, error) {
	suites, err := ParseCipherSuites(opts.Ciphers)
	if err != nil {
		return nil, err
	}
	cert, err := loadKeyPair(opts.CertFile, opts.KeyFile, opts.Now)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAPool(opts.CAFile)
	if err != nil {
		return nil, err
	}

	cfg := baseConfig(suites)
	cfg.Certificates = []tls.Certificate{cert}
	cfg.ClientCAs = pool
	cfg.ClientAuth = opts.ClientAuth.tlsType()
	cfg.SessionTicketsDisabled = true
	cfg.PreferServerCipherSuites = true
	return cfg, nil
}

// ClientConfig builds the client side of the mutual-TLS policy.
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	if strings.TrimSpace(opts.ServerName) == "" {
		return nil, &ConfigError{Op: "server name", Err: errors.New("server name is required for hostname verification")}
	}
	suites, err := ParseCipherSuites(opts.Ciphers)
	if err != nil {
		return nil, err
	}
	cert, err := loadKeyPair(opts.CertFile, opts.KeyFile, opts.Now)
	if err != nil {
		return nil, err
	}
	pool, err := loadCAPool(opts.CAFile)
	if err != nil {
		return nil, err
	}

	cfg := baseConfig(suites)
	cfg.Certificates = []tls.Certificate{cert}
	cfg.RootCAs = pool
	cfg.ServerName = opts.ServerName
	return cfg, nil
}

func loadKeyPair(certFile, keyFile string, now func() time.Time) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, &ConfigError{Op: "load key pair", Err: errors.New("certificate and key paths are required")}
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, &ConfigError{Op: "load key pair", Path: certFile, Err: err}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, &ConfigError{Op: "parse certificate", Path: certFile, Err: err}
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	if t.After(leaf.NotAfter) {
		return tls.Certificate{}, &ConfigError{Op: "check validity", Path: certFile,
			Err: fmt.Errorf("certificate expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339))}
	}
	if t.Before(leaf.NotBefore) {
		return tls.Certificate{}, &ConfigError{Op: "check validity", Path: certFile,
			Err: fmt.Errorf("certificate not valid before %s", leaf.NotBefore.UTC().Format(time.RFC3339))}
	}
	cert.Leaf = leaf
	return cert, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, &ConfigError{Op: "load CA bundle", Err: errors.New("CA bundle path is required")}
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, &ConfigError{Op: "load CA bundle", Path: caFile, Err: err}
	}
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, &ConfigError{Op: "load CA bundle", Path: caFile, Err: err}
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}
