// Package auth verifies signed requests against the device registry and
// binds the resulting identity to the request context.
package auth

import (
	"bytes"
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/harrylevesque/keybar/internal/httpsig"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/registry"
	"github.com/harrylevesque/keybar/internal/utils"
)

const (
	DefaultClockSkew    = 5 * time.Minute
	DefaultMaxBodyBytes = 1 << 20
)

var errBodyTooLarge = errors.New("request body too large")

// DeviceLookup resolves a key-id to its device. A missing device is
// reported as registry.ErrNotFound.
type DeviceLookup interface {
	LookupByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
}

// UserLookup resolves a device owner. A missing user is reported as
// models.ErrUserNotFound.
type UserLookup interface {
	LookupUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Options tune the authenticator. Zero values select the defaults.
type Options struct {
	ClockSkew         time.Duration
	MaxSignedHeaders  int
	MaxCanonicalBytes int
	MaxBodyBytes      int64
	// Replay, when set, rejects a second sighting of the same signed request.
	Replay ReplayCache
	Logger *utils.Logger
	Now    func() time.Time
}

// Authenticator is safe for concurrent use.
type Authenticator struct {
	devices DeviceLookup
	users   UserLookup
	opts    Options
	log     *utils.Logger
}

func NewAuthenticator(devices DeviceLookup, users UserLookup, opts Options) *Authenticator {
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.MaxSignedHeaders <= 0 {
		opts.MaxSignedHeaders = httpsig.DefaultMaxSignedHeaders
	}
	if opts.MaxCanonicalBytes <= 0 {
		opts.MaxCanonicalBytes = httpsig.DefaultMaxCanonicalBytes
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = utils.Discard()
	}
	return &Authenticator{devices: devices, users: users, opts: opts, log: log.With("component", "auth")}
}

// Authenticate accepts r and returns the caller's identity, or fails with a
// *Rejection. Any other error is an infrastructure failure.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	rawID := r.Header.Get(httpsig.HeaderDeviceID)
	deviceID, err := models.ParseKeyID(rawID)
	if err != nil {
		return nil, reject(ReasonMalformedSignature, fmt.Errorf("device id: %w", err))
	}
	params, err := httpsig.FromRequest(r)
	if err != nil {
		return nil, reject(ReasonMalformedSignature, err)
	}
	if keyID, err := models.ParseKeyID(params.KeyID); err != nil || keyID != deviceID {
		return nil, reject(ReasonMalformedSignature, errors.New("keyId does not match device id"))
	}

	body, bodyErr := readBody(r, a.opts.MaxBodyBytes)
	hasBody := len(body) > 0 || bodyErr != nil

	if err := httpsig.ValidateHeaders(params.Headers, hasBody, a.opts.MaxSignedHeaders); err != nil {
		return nil, headerRejection(err)
	}
	canonical, err := httpsig.CanonicalString(r, params.Headers, a.opts.MaxCanonicalBytes)
	if err != nil {
		return nil, headerRejection(err)
	}

	if err := a.checkFreshness(r.Header.Get("Date")); err != nil {
		return nil, reject(ReasonStaleRequest, err)
	}

	if bodyErr != nil {
		return nil, reject(ReasonBodyTampered, bodyErr)
	}
	if hasBody || r.Header.Get(httpsig.HeaderDigest) != "" {
		if err := httpsig.VerifyDigest(r.Header.Get(httpsig.HeaderDigest), body); err != nil {
			return nil, reject(ReasonBodyTampered, err)
		}
	}

	// One verification runs on every path so that unknown, unauthorized and
	// authorized devices cost the same.
	device, err := a.devices.LookupByID(ctx, deviceID)
	unknown := false
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("device lookup: %w", err)
		}
		unknown = true
	}

	var pub gocrypto.PublicKey
	var keyErr error
	if !unknown {
		pub, keyErr = device.LoadedPublicKey()
		if keyErr != nil {
			a.log.Error("stored public key unusable", "device_id", rawID, "error", keyErr)
		}
	}
	if pub == nil {
		pub = decoyKey(params.Algorithm)
	}
	verifyErr := httpsig.Verify(params.Algorithm, pub, []byte(canonical), params.Signature)

	switch {
	case unknown:
		return nil, reject(ReasonUnknownDevice, nil)
	case keyErr != nil:
		return nil, reject(ReasonInvalidSignature, keyErr)
	case verifyErr != nil:
		return nil, reject(ReasonInvalidSignature, verifyErr)
	case !device.IsAuthorized():
		return nil, reject(ReasonDeviceNotAuthorized, fmt.Errorf("authorization is %s", device.Authorized))
	}

	user, err := a.users.LookupUser(ctx, device.OwnerID)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, reject(ReasonDeviceNotAuthorized, fmt.Errorf("owner lookup: %w", err))
	}
	if err != nil {
		return nil, fmt.Errorf("owner lookup: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, reject(ReasonDeviceNotAuthorized, errors.New("owner inactive"))
	}

	if a.opts.Replay != nil {
		fresh, err := a.opts.Replay.Remember(ctx, replayKey(deviceID, canonical), 2*a.opts.ClockSkew)
		if err != nil {
			return nil, fmt.Errorf("replay cache: %w", err)
		}
		if !fresh {
			return nil, reject(ReasonReplayedRequest, nil)
		}
	}

	return &Identity{Device: device, User: user}, nil
}

func headerRejection(err error) *Rejection {
	if errors.Is(err, httpsig.ErrMissingHeader) {
		return reject(ReasonMissingSignedHeader, err)
	}
	return reject(ReasonMalformedSignature, err)
}

func (a *Authenticator) checkFreshness(value string) error {
	if value == "" {
		return errors.New("no date header")
	}
	date, err := http.ParseTime(value)
	if err != nil {
		date, err = mail.ParseDate(value)
		if err != nil {
			return fmt.Errorf("unparsable date: %w", err)
		}
	}
	skew := a.opts.Now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.opts.ClockSkew {
		return fmt.Errorf("date is %s away from server time", skew.Round(time.Second))
	}
	return nil
}

// readBody buffers the body up to limit and restores it for the next handler.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		r.Body = http.NoBody
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		r.Body = http.NoBody
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// replayKey identifies a request by its device and signed content. Neither
// the raw keyId nor the signature bytes take part: both can be re-encoded
// without the private key.
func replayKey(deviceID uuid.UUID, canonical string) string {
	h := blake3.New()
	h.Write([]byte(models.KeyID(deviceID)))
	h.Write([]byte{'\n'})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

var (
	decoyOnce sync.Once
	decoys    map[string]gocrypto.PublicKey
)

// decoyKey returns a process-wide key of the family alg names. Its private
// half is discarded, so nothing verifies against it.
func decoyKey(alg string) gocrypto.PublicKey {
	decoyOnce.Do(func() {
		decoys = make(map[string]gocrypto.PublicKey)
		if k, err := rsa.GenerateKey(rand.Reader, 2048); err == nil {
			decoys[httpsig.AlgRSASHA256] = &k.PublicKey
			decoys[httpsig.AlgRSASHA512] = &k.PublicKey
		}
		if k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err == nil {
			decoys[httpsig.AlgECDSASHA256] = &k.PublicKey
		}
		if k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader); err == nil {
			decoys[httpsig.AlgECDSASHA384] = &k.PublicKey
		}
		if pub, _, err := ed25519.GenerateKey(rand.Reader); err == nil {
			decoys[httpsig.AlgEd25519] = pub
		}
	})
	if k, ok := decoys[alg]; ok {
		return k
	}
	return decoys[httpsig.AlgEd25519]
}
