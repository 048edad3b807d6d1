package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/keybar/internal/certs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5*time.Minute, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, 8, cfg.Auth.MaxSignedHeaders)
	require.Equal(t, ReplayMemory, cfg.Auth.Replay)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "127.0.0.1:9443"
read_timeout = "5s"

[tls]
server_cert = "/etc/keybar/server.crt"
server_key = "/etc/keybar/server.key"
ca_bundle = "/etc/keybar/ca.pem"
ciphers = "ECDHE-ECDSA-AES128-GCM-SHA256:ECDHE-RSA-AES128-GCM-SHA256"
client_auth = "optional"
watch = true

[auth]
clock_skew = "2m"
replay = "redis"

[database]
driver = "postgres"
dsn = "postgres://keybar@localhost/keybar?sslmode=disable"

[redis]
addr = "redis:6379"
db = 2

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9443", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	// untouched values keep their defaults
	require.Equal(t, 15*time.Second, cfg.Server.WriteTimeout.Duration)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, ReplayRedis, cfg.Auth.Replay)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 2, cfg.Redis.DB)
	require.True(t, cfg.TLS.Watch)

	opts, err := cfg.ServerTLS()
	require.NoError(t, err)
	require.Equal(t, certs.ClientAuthOptional, opts.ClientAuth)
	require.Equal(t, "/etc/keybar/server.crt", opts.CertFile)
	require.Equal(t, "/etc/keybar/ca.pem", cfg.ClientTLS().CAFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadSyntaxError(t *testing.T) {
	path := writeConfig(t, "[server\naddr = 1")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[auth]
clock_skew = "2m"
`)
	t.Setenv("KEYBAR_CLOCK_SKEW", "30s")
	t.Setenv("KEYBAR_ADDR", ":10443")
	t.Setenv("KEYBAR_REDIS_DB", "3")
	t.Setenv("KEYBAR_TLS_WATCH", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, ":10443", cfg.Server.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
	require.True(t, cfg.TLS.Watch)

	t.Setenv("KEYBAR_REDIS_DB", "three")
	_, err = Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "KEYBAR_REDIS_DB")
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(c *Config)
		field  string
	}{
		"empty addr":         {func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		"zero timeout":       {func(c *Config) { c.Server.IdleTimeout = Duration{} }, "server.idle_timeout"},
		"disallowed cipher":  {func(c *Config) { c.TLS.Ciphers = "AES128-SHA" }, "tls.ciphers"},
		"client auth":        {func(c *Config) { c.TLS.ClientAuth = "never" }, "tls.client_auth"},
		"skew too large":     {func(c *Config) { c.Auth.ClockSkew = Duration{2 * time.Hour} }, "auth.clock_skew"},
		"too few headers":    {func(c *Config) { c.Auth.MaxSignedHeaders = 4 }, "auth.max_signed_headers"},
		"replay backend":     {func(c *Config) { c.Auth.Replay = "disk" }, "auth.replay"},
		"redis without addr": {func(c *Config) { c.Auth.Replay = ReplayRedis; c.Redis.Addr = "" }, "redis.addr"},
		"driver":             {func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		"dsn":                {func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" }, "database.dsn"},
		"kdf":                {func(c *Config) { c.Crypto.KDFIterations = 1 }, "crypto.kdf_iterations"},
		"log level":          {func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			var fields []string
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			require.Contains(t, fields, tc.field)
			require.True(t, strings.Contains(err.Error(), tc.field))
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	require.Equal(t, 90*time.Second, d.Duration)
	out, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(out))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
