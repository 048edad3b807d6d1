package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harrylevesque/keybar/internal/certs"
	"github.com/harrylevesque/keybar/internal/config"
	"github.com/harrylevesque/keybar/internal/models"
)

// test-stubbables
var (
	startServer           = defaultStartServer
	osExit                = os.Exit
	stdout      io.Writer = os.Stdout
)

type options struct {
	mode     string
	config   string
	email    string
	name     string
	deviceID  string
	certDir   string
	superuser bool
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "serve", "mode: serve|user-add|user-list|user-activate|user-deactivate|device-list|device-authorize|device-revoke|cert-info")
	flag.StringVar(&opts.config, "config", "", "path to keybar.toml (default: project root)")
	flag.StringVar(&opts.email, "email", "", "user email (user-add, user-activate, user-deactivate, device-list)")
	flag.StringVar(&opts.name, "name", "", "user display name (user-add)")
	flag.BoolVar(&opts.superuser, "superuser", false, "grant superuser rights (user-add)")
	flag.StringVar(&opts.deviceID, "device", "", "device id (device-authorize, device-revoke)")
	flag.StringVar(&opts.certDir, "dir", "", "certificate directory (cert-info, default: directory of the server certificate)")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		osExit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	if opts.mode == "cert-info" {
		return certInfo(cfg, opts.certDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch opts.mode {
	case "serve":
		s, closeReplay, err := a.buildServer()
		if err != nil {
			return err
		}
		defer closeReplay()
		return startServer(ctx, s, log, cfg.Server.ShutdownTimeout.Duration)
	case "user-add":
		u, err := a.users.Create(ctx, opts.email, opts.name)
		if err != nil {
			return err
		}
		if opts.superuser {
			if err := a.users.SetSuperuser(ctx, u.ID, true); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "created user %s (%s) superuser=%t\n", u.Email, u.ID, opts.superuser)
		return nil
	case "user-list":
		return a.listUsers(ctx)
	case "user-activate", "user-deactivate":
		u, err := a.users.LookupByEmail(ctx, opts.email)
		if err != nil {
			return err
		}
		active := opts.mode == "user-activate"
		if err := a.users.SetActive(ctx, u.ID, active); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "user %s active=%t\n", u.Email, active)
		return nil
	case "device-list":
		return a.listDevices(ctx, opts.email)
	case "device-authorize", "device-revoke":
		id, err := models.ParseKeyID(opts.deviceID)
		if err != nil {
			return err
		}
		decision := opts.mode == "device-authorize"
		if err := a.devices.Authorize(ctx, id, decision); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "device %s authorized=%t\n", opts.deviceID, decision)
		return nil
	default:
		return errors.New("unsupported mode")
	}
}

func (a *app) listUsers(ctx context.Context) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tACTIVE\tSUPERUSER\tJOINED")
	for _, u := range a.users.List(ctx) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n", u.ID, u.Email, u.DisplayName(), u.IsActive, u.IsSuperuser, u.DateJoined.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) listDevices(ctx context.Context, email string) error {
	u, err := a.users.LookupByEmail(ctx, email)
	if err != nil {
		return err
	}
	devices, err := a.devices.ListByOwner(ctx, u.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAUTHORIZED\tFINGERPRINT\tCREATED")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.KeyID(), d.Name, d.Authorized, d.Fingerprint(), d.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// expiryWarning flags certificates that need rotating soon.
const expiryWarning = 30 * 24 * time.Hour

func certInfo(cfg *config.Config, dir string) error {
	if dir == "" {
		if cfg.TLS.ServerCert == "" {
			return errors.New("no certificate directory: pass -dir or set tls.server_cert")
		}
		dir = filepath.Dir(cfg.TLS.ServerCert)
	}
	cm := certs.NewCertManager(dir)
	found, err := cm.LoadCertificates()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSUBJECT\tNOT AFTER\tSTATUS")
	for _, f := range found {
		status := "ok"
		switch {
		case cm.IsExpired(f.Cert):
			status = "expired"
		case cm.ExpiresWithin(f.Cert, expiryWarning):
			status = "expiring"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", filepath.Base(f.Path), f.Cert.Subject.CommonName, f.Cert.NotAfter.UTC().Format(time.RFC3339), status)
	}
	return tw.Flush()
}
