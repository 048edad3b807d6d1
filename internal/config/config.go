// Package config loads the keybar configuration from a TOML file with
// KEYBAR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/harrylevesque/keybar/internal/certs"
	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/utils"
)

// DefaultFileName is looked up in the project root when no path is given.
const DefaultFileName = "keybar.toml"

// Replay cache backends.
const (
	ReplayOff    = "off"
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
)

// Registry backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration is a time.Duration written as "5m", "30s" and so on.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
}

type TLSConfig struct {
	ServerCert    string   `toml:"server_cert"`
	ServerKey     string   `toml:"server_key"`
	ClientCert    string   `toml:"client_cert"`
	ClientKey     string   `toml:"client_key"`
	CABundle      string   `toml:"ca_bundle"`
	ServerName    string   `toml:"server_name"`
	Ciphers       string   `toml:"ciphers"`
	ClientAuth    string   `toml:"client_auth"`
	Watch         bool     `toml:"watch"`
	WatchDebounce Duration `toml:"watch_debounce"`
}

type AuthConfig struct {
	ClockSkew         Duration `toml:"clock_skew"`
	MaxSignedHeaders  int      `toml:"max_signed_headers"`
	MaxCanonicalBytes int      `toml:"max_canonical_bytes"`
	Replay            string   `toml:"replay"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	DB       int    `toml:"db"`
	Password string `toml:"password"`
}

type CryptoConfig struct {
	KDFIterations int `toml:"kdf_iterations"`
}

type UsersConfig struct {
	Dir           string `toml:"dir"`
	MasterKeyFile string `toml:"master_key_file"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type RateLimitConfig struct {
	EnrollPerMinute float64 `toml:"enroll_per_minute"`
	Burst           int     `toml:"burst"`
}

// Config is the complete server and client configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	TLS       TLSConfig       `toml:"tls"`
	Auth      AuthConfig      `toml:"auth"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Crypto    CryptoConfig    `toml:"crypto"`
	Users     UsersConfig     `toml:"users"`
	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	root := utils.GetProjectRoot()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			MaxBodyBytes:    1 << 20,
		},
		TLS: TLSConfig{
			ServerName:    "localhost",
			ClientAuth:    "required",
			WatchDebounce: Duration{500 * time.Millisecond},
		},
		Auth: AuthConfig{
			ClockSkew:         Duration{5 * time.Minute},
			MaxSignedHeaders:  8,
			MaxCanonicalBytes: 8 << 10,
			Replay:            ReplayMemory,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(root, "keybar.db"),
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Crypto: CryptoConfig{KDFIterations: 100000},
		Users: UsersConfig{
			Dir:           utils.GetUserDataDir(),
			MasterKeyFile: filepath.Join(root, "master.key"),
		},
		Log:       LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{EnrollPerMinute: 10, Burst: 5},
	}
}

// DefaultPath returns the location of keybar.toml in the project root.
func DefaultPath() string {
	return filepath.Join(utils.GetProjectRoot(), DefaultFileName)
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path means DefaultPath, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func setString(p func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *p(c) = v; return nil }
}

func setInt(p func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(c) = n
		return nil
	}
}

func setDuration(p func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error { return p(c).UnmarshalText([]byte(v)) }
}

var envVars = []envVar{
	{"KEYBAR_ADDR", setString(func(c *Config) *string { return &c.Server.Addr })},
	{"KEYBAR_TLS_SERVER_CERT", setString(func(c *Config) *string { return &c.TLS.ServerCert })},
	{"KEYBAR_TLS_SERVER_KEY", setString(func(c *Config) *string { return &c.TLS.ServerKey })},
	{"KEYBAR_TLS_CLIENT_CERT", setString(func(c *Config) *string { return &c.TLS.ClientCert })},
	{"KEYBAR_TLS_CLIENT_KEY", setString(func(c *Config) *string { return &c.TLS.ClientKey })},
	{"KEYBAR_TLS_CA_BUNDLE", setString(func(c *Config) *string { return &c.TLS.CABundle })},
	{"KEYBAR_TLS_SERVER_NAME", setString(func(c *Config) *string { return &c.TLS.ServerName })},
	{"KEYBAR_TLS_CIPHERS", setString(func(c *Config) *string { return &c.TLS.Ciphers })},
	{"KEYBAR_TLS_CLIENT_AUTH", setString(func(c *Config) *string { return &c.TLS.ClientAuth })},
	{"KEYBAR_TLS_WATCH", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.TLS.Watch = b
		return err
	}},
	{"KEYBAR_CLOCK_SKEW", setDuration(func(c *Config) *Duration { return &c.Auth.ClockSkew })},
	{"KEYBAR_REPLAY", setString(func(c *Config) *string { return &c.Auth.Replay })},
	{"KEYBAR_DB_DRIVER", setString(func(c *Config) *string { return &c.Database.Driver })},
	{"KEYBAR_DB_DSN", setString(func(c *Config) *string { return &c.Database.DSN })},
	{"KEYBAR_REDIS_ADDR", setString(func(c *Config) *string { return &c.Redis.Addr })},
	{"KEYBAR_REDIS_DB", setInt(func(c *Config) *int { return &c.Redis.DB })},
	{"KEYBAR_REDIS_PASSWORD", setString(func(c *Config) *string { return &c.Redis.Password })},
	{"KEYBAR_KDF_ITERATIONS", setInt(func(c *Config) *int { return &c.Crypto.KDFIterations })},
	{"KEYBAR_USERS_DIR", setString(func(c *Config) *string { return &c.Users.Dir })},
	{"KEYBAR_MASTER_KEY_FILE", setString(func(c *Config) *string { return &c.Users.MasterKeyFile })},
	{"KEYBAR_LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"KEYBAR_LOG_FILE", setString(func(c *Config) *string { return &c.Log.File })},
}

// ApplyEnvOverrides replaces values with the KEYBAR_* variables that are
// set and non-empty.
func (c *Config) ApplyEnvOverrides() error {
	for _, ev := range envVars {
		v := strings.TrimSpace(os.Getenv(ev.name))
		if v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", ev.name, err)
		}
	}
	return nil
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every problem found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks that the configuration is coherent. TLS file paths are
// not required here; building the TLS configuration reports them.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr", "must not be empty")
	}
	for field, d := range map[string]Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.idle_timeout":     c.Server.IdleTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if d.Duration <= 0 {
			add(field, "must be > 0")
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes", "must be > 0")
	}

	if _, err := certs.ParseCipherSuites(c.TLS.Ciphers); err != nil {
		add("tls.ciphers", "%v", err)
	}
	if _, err := certs.ParseClientAuth(c.TLS.ClientAuth); err != nil {
		add("tls.client_auth", "must be one of: required, optional")
	}

	if c.Auth.ClockSkew.Duration <= 0 || c.Auth.ClockSkew.Duration > time.Hour {
		add("auth.clock_skew", "must be between 0 and 1h, got %s", c.Auth.ClockSkew.Duration)
	}
	// (request-target) host date accept digest must always fit
	if c.Auth.MaxSignedHeaders < 5 {
		add("auth.max_signed_headers", "must be at least 5, got %d", c.Auth.MaxSignedHeaders)
	}
	if c.Auth.MaxCanonicalBytes < 512 {
		add("auth.max_canonical_bytes", "must be at least 512, got %d", c.Auth.MaxCanonicalBytes)
	}
	switch c.Auth.Replay {
	case ReplayOff, ReplayMemory:
	case ReplayRedis:
		if c.Redis.Addr == "" {
			add("redis.addr", "required when auth.replay is redis")
		}
	default:
		add("auth.replay", "invalid value %q, must be one of: off, memory, redis", c.Auth.Replay)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			add("database.dsn", "required for driver %s", c.Database.Driver)
		}
	default:
		add("database.driver", "invalid driver %q, must be one of: memory, sqlite, postgres", c.Database.Driver)
	}

	if c.Crypto.KDFIterations < crypto.MinKDFIterations {
		add("crypto.kdf_iterations", "must be at least %d", crypto.MinKDFIterations)
	}
	if c.Users.Dir == "" {
		add("users.dir", "must not be empty")
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	if c.RateLimit.EnrollPerMinute < 0 || c.RateLimit.Burst < 0 {
		add("ratelimit", "values cannot be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ServerTLS returns the options for certs.NewProvider.
func (c *Config) ServerTLS() (certs.ServerOptions, error) {
	mode, err := certs.ParseClientAuth(c.TLS.ClientAuth)
	if err != nil {
		return certs.ServerOptions{}, err
	}
	return certs.ServerOptions{
		CertFile:   c.TLS.ServerCert,
		KeyFile:    c.TLS.ServerKey,
		CAFile:     c.TLS.CABundle,
		Ciphers:    c.TLS.Ciphers,
		ClientAuth: mode,
	}, nil
}

// ClientTLS returns the options for certs.ClientConfig.
func (c *Config) ClientTLS() certs.ClientOptions {
	return certs.ClientOptions{
		CertFile:   c.TLS.ClientCert,
		KeyFile:    c.TLS.ClientKey,
		CAFile:     c.TLS.CABundle,
		ServerName: c.TLS.ServerName,
		Ciphers:    c.TLS.Ciphers,
	}
}
