package certs

import (
	"crypto/tls"
	"sync/atomic"

	"github.com/harrylevesque/keybar/internal/utils"
)

// Provider owns the server TLS configuration for the life of the process.
// Each handshake uses the snapshot current when it starts; Reload swaps the
// snapshot and leaves established connections alone.
type Provider struct {
	opts    ServerOptions
	current atomic.Pointer[tls.Config]
	log     *utils.Logger
}

// NewProvider builds the initial configuration. A *ConfigError here must
// abort startup.
func NewProvider(opts ServerOptions, log *utils.Logger) (*Provider, error) {
	if log == nil {
		log = utils.Discard()
	}
	cfg, err := ServerConfig(opts)
	if err != nil {
		return nil, err
	}
	p := &Provider{opts: opts, log: log.With("component", "tls")}
	p.current.Store(cfg)
	return p, nil
}

// Reload rebuilds the configuration from disk. On failure the previous
// configuration stays in effect.
func (p *Provider) Reload() error {
	cfg, err := ServerConfig(p.opts)
	if err != nil {
		p.log.Error("tls reload failed, keeping previous configuration", "error", err)
		return err
	}
	p.current.Store(cfg)
	p.log.Info("tls configuration reloaded", "cert", p.opts.CertFile, "not_after", cfg.Certificates[0].Leaf.NotAfter)
	return nil
}

// Current returns the active snapshot. Callers must not modify it.
func (p *Provider) Current() *tls.Config {
	return p.current.Load()
}

// Files lists the paths the configuration is built from.
func (p *Provider) Files() []string {
	return []string{p.opts.CertFile, p.opts.KeyFile, p.opts.CAFile}
}

// TLSConfig returns the listener configuration. It resolves the active
// snapshot per handshake.
func (p *Provider) TLSConfig() *tls.Config {
	cfg := baseConfig(p.Current().CipherSuites)
	cfg.SessionTicketsDisabled = true
	cfg.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		return p.current.Load(), nil
	}
	return cfg
}
