package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harrylevesque/keybar/internal/api"
	"github.com/harrylevesque/keybar/internal/auth"
	"github.com/harrylevesque/keybar/internal/certs"
	"github.com/harrylevesque/keybar/internal/config"
	"github.com/harrylevesque/keybar/internal/files"
	"github.com/harrylevesque/keybar/internal/registry"
	"github.com/harrylevesque/keybar/internal/utils"
)

// app holds the long-lived services shared by every mode.
type app struct {
	cfg     *config.Config
	log     *utils.Logger
	users   *files.UserStore
	store   registry.Store
	devices *registry.Registry
}

func newLogger(cfg *config.Config) (*utils.Logger, error) {
	level, err := utils.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Log.File != "" {
		return utils.NewFileLogger(cfg.Log.File, level)
	}
	return utils.NewLogger(os.Stderr, level), nil
}

func openStore(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return registry.NewMemoryStore(), nil
	case config.DriverSQLite:
		return registry.OpenSQLStore(ctx, registry.DriverSQLite, cfg.Database.DSN)
	case config.DriverPostgres:
		return registry.OpenSQLStore(ctx, registry.DriverPostgres, cfg.Database.DSN)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func openApp(ctx context.Context, cfg *config.Config, log *utils.Logger) (*app, error) {
	masterKey, err := files.ReadMasterKey(cfg.Users.MasterKeyFile)
	if err != nil {
		return nil, err
	}
	users, err := files.OpenUserStore(cfg.Users.Dir, masterKey, cfg.Crypto.KDFIterations, log)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &app{
		cfg:     cfg,
		log:     log,
		users:   users,
		store:   store,
		devices: registry.New(store, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) replayCache() (auth.ReplayCache, func() error, error) {
	switch a.cfg.Auth.Replay {
	case config.ReplayOff:
		return nil, func() error { return nil }, nil
	case config.ReplayRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			DB:       a.cfg.Redis.DB,
			Password: a.cfg.Redis.Password,
		})
		return auth.NewRedisReplayCache(client), client.Close, nil
	default:
		return auth.NewMemoryReplayCache(), func() error { return nil }, nil
	}
}

// server is what serve hands to startServer.
type server struct {
	http     *http.Server
	provider *certs.Provider
	watcher  *certs.Watcher
}

func (a *app) buildServer() (*server, func() error, error) {
	tlsOpts, err := a.cfg.ServerTLS()
	if err != nil {
		return nil, nil, err
	}
	provider, err := certs.NewProvider(tlsOpts, a.log)
	if err != nil {
		return nil, nil, err
	}
	var watcher *certs.Watcher
	if a.cfg.TLS.Watch {
		watcher, err = certs.NewWatcher(provider, a.cfg.TLS.WatchDebounce.Duration, a.log)
		if err != nil {
			return nil, nil, err
		}
	}

	replay, closeReplay, err := a.replayCache()
	if err != nil {
		return nil, nil, err
	}
	authn := auth.NewAuthenticator(a.devices, a.users, auth.Options{
		ClockSkew:         a.cfg.Auth.ClockSkew.Duration,
		MaxSignedHeaders:  a.cfg.Auth.MaxSignedHeaders,
		MaxCanonicalBytes: a.cfg.Auth.MaxCanonicalBytes,
		MaxBodyBytes:      a.cfg.Server.MaxBodyBytes,
		Replay:            replay,
		Logger:            a.log,
	})
	handler := api.NewRouter(api.Deps{
		Devices:       a.devices,
		Users:         a.users,
		Authenticator: authn,
		EnrollLimiter: api.NewIPRateLimiter(a.cfg.RateLimit.EnrollPerMinute, a.cfg.RateLimit.Burst),
		Logger:        a.log,
	})

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      handler,
		TLSConfig:    provider.TLSConfig(),
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  a.cfg.Server.IdleTimeout.Duration,
		// HTTP/1.1 only
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	return &server{http: srv, provider: provider, watcher: watcher}, closeReplay, nil
}

// defaultStartServer serves until ctx is done, then shuts down gracefully.
func defaultStartServer(ctx context.Context, s *server, log *utils.Logger, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	tlsLn := tls.NewListener(ln, s.http.TLSConfig)

	if s.watcher != nil {
		go func() {
			if err := s.watcher.Run(ctx); err != nil {
				log.Error("certificate watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", ln.Addr().String())
		errCh <- s.http.Serve(tlsLn)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
