// Package httpsig implements the HTTP message signature wire format shared
// by the server-side authenticator and the client signer.
package httpsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	HeaderDeviceID      = "X-Device-Id"
	HeaderSignature     = "Signature"
	HeaderAuthorization = "Authorization"
	HeaderDigest        = "Digest"

	RequestTarget = "(request-target)"
	authScheme    = "signature"

	DefaultMaxSignedHeaders  = 8
	DefaultMaxCanonicalBytes = 8 << 10
)

var (
	ErrMalformed     = errors.New("malformed signature")
	ErrMissingHeader = errors.New("missing signed header")
)

// AllowedHeaders are the only names a signature may cover.
var AllowedHeaders = map[string]bool{
	RequestTarget:    true,
	"host":           true,
	"date":           true,
	"accept":         true,
	"digest":         true,
	"content-type":   true,
	"content-length": true,
	"x-device-id":    true,
}

// RequiredHeaders must appear in every signature; "digest" is added when the
// request has a body.
var RequiredHeaders = []string{RequestTarget, "host", "date", "accept"}

// Params are the decoded signature parameters.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// FromRequest reads parameters from "Authorization: Signature ..." or, when
// that is absent, from a bare Signature header.
func FromRequest(r *http.Request) (*Params, error) {
	if v := r.Header.Get(HeaderAuthorization); v != "" {
		scheme, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		if !strings.EqualFold(scheme, authScheme) {
			return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrMalformed)
		}
		return ParseParams(rest)
	}
	if v := r.Header.Get(HeaderSignature); v != "" {
		return ParseParams(v)
	}
	return nil, fmt.Errorf("%w: no signature present", ErrMalformed)
}

// ParseParams decodes `keyId="..",algorithm="..",headers="..",signature=".."`.
// Unknown parameters are ignored; duplicates are rejected.
func ParseParams(value string) (*Params, error) {
	fields, err := splitParams(value)
	if err != nil {
		return nil, err
	}

	p := &Params{}
	for _, name := range []string{"keyId", "algorithm", "headers", "signature"} {
		v, ok := fields[name]
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformed, name)
		}
		switch name {
		case "keyId":
			p.KeyID = v
		case "algorithm":
			p.Algorithm = strings.ToLower(v)
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(v))
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: signature is not base64", ErrMalformed)
			}
			p.Signature = sig
		}
	}
	if len(p.Headers) == 0 {
		return nil, fmt.Errorf("%w: empty header list", ErrMalformed)
	}
	return p, nil
}

func splitParams(value string) (map[string]string, error) {
	out := make(map[string]string)
	s := strings.TrimSpace(value)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected name=value", ErrMalformed)
		}
		name := strings.TrimSpace(s[:eq])
		s = strings.TrimLeft(s[eq+1:], " ")

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quoted value", ErrMalformed)
			}
			val = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrMalformed, name)
		}
		out[name] = val

		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("%w: expected ',' after %s", ErrMalformed, name)
		}
		s = strings.TrimLeft(s[1:], " ")
	}
	return out, nil
}

// String renders the parameters in the form ParseParams accepts.
func (p *Params) String() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID, p.Algorithm, strings.Join(p.Headers, " "), base64.StdEncoding.EncodeToString(p.Signature))
}

// ValidateHeaders checks a signed header list against the allow-list, the
// size bound and the required set.
func ValidateHeaders(names []string, hasBody bool, maxHeaders int) error {
	if maxHeaders <= 0 {
		maxHeaders = DefaultMaxSignedHeaders
	}
	if len(names) > maxHeaders {
		return fmt.Errorf("%w: %d signed headers exceeds %d", ErrMalformed, len(names), maxHeaders)
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !AllowedHeaders[n] {
			return fmt.Errorf("%w: header %q may not be signed", ErrMalformed, n)
		}
		if seen[n] {
			return fmt.Errorf("%w: header %q listed twice", ErrMalformed, n)
		}
		seen[n] = true
	}
	for _, n := range RequiredHeaders {
		if !seen[n] {
			return fmt.Errorf("%w: %s", ErrMissingHeader, n)
		}
	}
	if hasBody && !seen["digest"] {
		return fmt.Errorf("%w: digest", ErrMissingHeader)
	}
	return nil
}
