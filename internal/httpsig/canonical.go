package httpsig

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDigestMismatch is returned when the Digest header does not match the body.
var ErrDigestMismatch = errors.New("body digest mismatch")

const digestPrefix = "SHA-256="

// CanonicalString builds the signing input: one "name: value" line per
// listed header, in list order, joined by "\n".
func CanonicalString(r *http.Request, headers []string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCanonicalBytes
	}
	var b strings.Builder
	for i, name := range headers {
		value, err := headerValue(r, name)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		if b.Len() > maxBytes {
			return "", fmt.Errorf("%w: canonical string exceeds %d bytes", ErrMalformed, maxBytes)
		}
	}
	return b.String(), nil
}

func headerValue(r *http.Request, name string) (string, error) {
	switch name {
	case RequestTarget:
		return strings.ToLower(r.Method) + " " + requestURI(r), nil
	case "host":
		host := r.Host
		if host == "" && r.URL != nil {
			host = r.URL.Host
		}
		if host == "" {
			return "", fmt.Errorf("%w: host", ErrMissingHeader)
		}
		return host, nil
	}
	values := r.Header.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

// requestURI is the target exactly as it appears on the request line.
func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// ComputeDigest returns the Digest header value for body.
func ComputeDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return digestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a Digest header against body in constant time.
func VerifyDigest(header string, body []byte) error {
	for _, part := range strings.Split(header, ",") {
		alg, encoded, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		claimed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ErrDigestMismatch
		}
		sum := sha256.Sum256(body)
		if subtle.ConstantTimeCompare(claimed, sum[:]) != 1 {
			return ErrDigestMismatch
		}
		return nil
	}
	return ErrDigestMismatch
}
