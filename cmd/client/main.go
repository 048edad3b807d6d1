package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harrylevesque/keybar/internal/certs"
	"github.com/harrylevesque/keybar/internal/config"
	"github.com/harrylevesque/keybar/internal/files"
	"github.com/harrylevesque/keybar/internal/httpsig"
)

// Default server base URL; can override with KEYBAR_SERVER env var or -server flag.
var serverBaseURL = "https://localhost:8443"

// test-stubbables
var (
	osExit                = os.Exit
	stdout      io.Writer = os.Stdout
	newTLSTrans           = tlsTransport
)

type options struct {
	cmd     string
	config  string
	dir     string
	keyType string
	email   string
	name    string
	path    string
	method  string
	data    string
}

func main() {
	var opts options
	flag.StringVar(&opts.cmd, "cmd", "get", "command: keygen|enroll|get")
	flag.StringVar(&opts.config, "config", "", "path to keybar.toml (TLS client settings)")
	flag.StringVar(&opts.dir, "dir", ".keybar", "directory holding the device key and id")
	flag.StringVar(&opts.keyType, "type", "ed25519", "key type for keygen: ed25519|ecdsa-p256|ecdsa-p384|rsa")
	flag.StringVar(&opts.email, "email", "", "owner email (enroll)")
	flag.StringVar(&opts.name, "name", "", "device name (enroll)")
	flag.StringVar(&opts.path, "path", "/api/v1/devices/self", "request path (get)")
	flag.StringVar(&opts.method, "X", http.MethodGet, "request method (get)")
	flag.StringVar(&opts.data, "data", "", "request body (get)")
	serverFlag := flag.String("server", "", "override server base URL (e.g. https://keybar.example.com)")
	flag.Parse()
	if env := os.Getenv("KEYBAR_SERVER"); env != "" {
		serverBaseURL = strings.TrimRight(env, "/")
	}
	if *serverFlag != "" {
		serverBaseURL = strings.TrimRight(*serverFlag, "/")
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

func run(opts options) error {
	switch opts.cmd {
	case "keygen":
		return keygen(opts)
	case "enroll":
		return enroll(opts)
	case "get":
		return signedRequest(opts)
	default:
		return errors.New("unknown command")
	}
}

func keygen(opts options) error {
	if files.HasKeyPair(opts.dir) {
		return fmt.Errorf("a device key already exists in %s", opts.dir)
	}
	priv, err := files.GenerateKeyPair(opts.dir, opts.keyType)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "generated %s key in %s (%T)\n", opts.keyType, opts.dir, priv.Public())
	return nil
}

// tlsTransport builds the mutual-TLS transport from the client settings.
func tlsTransport(configPath string) (http.RoundTripper, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := certs.ClientConfig(cfg.ClientTLS())
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   false,
	}, nil
}

func enroll(opts options) error {
	if opts.email == "" {
		return errors.New("-email required")
	}
	pub, err := files.LoadPublicKey(opts.dir)
	if err != nil {
		return fmt.Errorf("load public key (run -cmd keygen first): %w", err)
	}
	base, err := newTLSTrans(opts.config)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"owner_email": opts.email, "public_key": pub, "name": opts.name})
	if err != nil {
		return err
	}
	client := &http.Client{Transport: base, Timeout: 30 * time.Second}
	resp, err := client.Post(serverBaseURL+"/api/v1/devices", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("enroll failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var device struct {
		ID          string `json:"id"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := files.SaveDeviceID(opts.dir, device.ID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "enrolled device %s\nfingerprint %s\nwaiting for the owner to authorize it\n", device.ID, device.Fingerprint)
	return nil
}

func signedRequest(opts options) error {
	keyID, err := files.LoadDeviceID(opts.dir)
	if err != nil {
		return fmt.Errorf("load device id (run -cmd enroll first): %w", err)
	}
	key, err := files.LoadPrivateKey(opts.dir)
	if err != nil {
		return err
	}
	signer, err := httpsig.NewSigner(keyID, key)
	if err != nil {
		return err
	}
	base, err := newTLSTrans(opts.config)
	if err != nil {
		return err
	}

	var body io.Reader = http.NoBody
	if opts.data != "" {
		body = strings.NewReader(opts.data)
	}
	req, err := http.NewRequest(strings.ToUpper(opts.method), serverBaseURL+opts.path, body)
	if err != nil {
		return err
	}
	if opts.data != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Transport: &httpsig.Transport{Signer: signer, Base: base}, Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Fprintln(stdout, resp.Status)
	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}
