package httpsig

import (
	"bytes"
	gocrypto "crypto"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harrylevesque/keybar/internal/models"
)

// Signer attaches device signatures to outgoing requests.
type Signer struct {
	KeyID     string
	Key       gocrypto.Signer
	Algorithm string
	// Headers lists optional allow-listed headers to sign in addition to the
	// required set, when present on the request.
	Headers []string
	Now     func() time.Time
}

// NewSigner returns a signer for the device keyID using the default
// algorithm of key's family.
func NewSigner(keyID string, key gocrypto.Signer) (*Signer, error) {
	if _, err := models.ParseKeyID(keyID); err != nil {
		return nil, err
	}
	alg, err := AlgorithmFor(key.Public())
	if err != nil {
		return nil, err
	}
	return &Signer{KeyID: strings.ToLower(keyID), Key: key, Algorithm: alg, Now: time.Now}, nil
}

// Sign fills Date, Accept, Host, X-Device-Id and Digest as needed and sets
// the Authorization header. body must be the exact bytes that will be sent.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Host == "" && req.URL != nil {
		req.Host = req.URL.Host
	}
	req.Header.Set(HeaderDeviceID, s.KeyID)

	headers := append([]string(nil), RequiredHeaders...)
	if len(body) > 0 {
		req.Header.Set(HeaderDigest, ComputeDigest(body))
		headers = append(headers, "digest")
	}
	for _, h := range s.Headers {
		h = strings.ToLower(h)
		if !AllowedHeaders[h] || contains(headers, h) || req.Header.Get(h) == "" {
			continue
		}
		headers = append(headers, h)
	}
	if err := ValidateHeaders(headers, len(body) > 0, DefaultMaxSignedHeaders); err != nil {
		return err
	}

	canonical, err := CanonicalString(req, headers, DefaultMaxCanonicalBytes)
	if err != nil {
		return err
	}
	sig, err := SignMessage(s.Algorithm, s.Key, []byte(canonical))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	p := Params{KeyID: s.KeyID, Algorithm: s.Algorithm, Headers: headers, Signature: sig}
	req.Header.Set(HeaderAuthorization, "Signature "+p.String())
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Transport signs every request before handing it to Base.
type Transport struct {
	Signer *Signer
	Base   http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if err := t.Signer.Sign(out, body); err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(out)
}
