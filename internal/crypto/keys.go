package crypto

import (
	"bytes"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrKeyFormat is returned for key material that cannot be parsed or whose
// algorithm or size is not accepted.
var ErrKeyFormat = errors.New("key format error")

const (
	MinRSABits = 2048
	MaxRSABits = 8192

	fingerprintGroup = 4
)

// Key families accepted for device keys.
const (
	KeyTypeRSA       = "rsa"
	KeyTypeECDSAP256 = "ecdsa-p256"
	KeyTypeECDSAP384 = "ecdsa-p384"
	KeyTypeEd25519   = "ed25519"
)

// Fingerprint returns the SHA-256 digest of the key text as grouped hex.
func Fingerprint(material string) string {
	sum := sha256.Sum256([]byte(material))
	return PrettifyFingerprint(hex.EncodeToString(sum[:]))
}

// PrettifyFingerprint splits a hex digest into colon separated groups.
func PrettifyFingerprint(digest string) string {
	digest = strings.ToLower(digest)
	var b strings.Builder
	for i := 0; i < len(digest); i += fingerprintGroup {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(digest[i:min(i+fingerprintGroup, len(digest))])
	}
	return b.String()
}

// LoadPublicKey parses PEM (PKIX or PKCS#1) or OpenSSH authorized_keys
// material and enforces the key policy.
func LoadPublicKey(material string) (gocrypto.PublicKey, error) {
	text := strings.TrimSpace(material)
	if text == "" {
		return nil, fmt.Errorf("%w: empty key", ErrKeyFormat)
	}

	var (
		pub gocrypto.PublicKey
		err error
	)
	if strings.HasPrefix(text, "-----BEGIN") {
		block, rest := pem.Decode([]byte(text))
		if block == nil {
			return nil, fmt.Errorf("%w: no PEM block found", ErrKeyFormat)
		}
		if len(bytes.TrimSpace(rest)) != 0 {
			return nil, fmt.Errorf("%w: trailing data after PEM block", ErrKeyFormat)
		}
		switch block.Type {
		case "PUBLIC KEY":
			pub, err = x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrKeyFormat, block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
	} else {
		sshKey, _, _, _, perr := ssh.ParseAuthorizedKey([]byte(text))
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, perr)
		}
		cpk, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported ssh key type %s", ErrKeyFormat, sshKey.Type())
		}
		pub = cpk.CryptoPublicKey()
	}

	if _, err := KeyType(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// KeyType names the family of an accepted key, or fails with ErrKeyFormat.
func KeyType(pub gocrypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		bits := k.N.BitLen()
		if bits < MinRSABits || bits > MaxRSABits {
			return "", fmt.Errorf("%w: rsa key size %d outside %d..%d", ErrKeyFormat, bits, MinRSABits, MaxRSABits)
		}
		return KeyTypeRSA, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return KeyTypeECDSAP256, nil
		case elliptic.P384():
			return KeyTypeECDSAP384, nil
		}
		return "", fmt.Errorf("%w: unsupported curve %s", ErrKeyFormat, k.Curve.Params().Name)
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return "", fmt.Errorf("%w: bad ed25519 key length", ErrKeyFormat)
		}
		return KeyTypeEd25519, nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrKeyFormat, pub)
	}
}

// EncodePublicKey renders pub as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKey(pub gocrypto.PublicKey) (string, error) {
	if _, err := KeyType(pub); err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// CanonicalPublicKey re-encodes material so that every encoding of the same
// key yields the same text.
func CanonicalPublicKey(material string) (string, error) {
	pub, err := LoadPublicKey(material)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(pub)
}

// LoadPrivateKey parses a PEM private key (PKCS#8, PKCS#1, SEC1 or OpenSSH)
// and enforces the same policy as LoadPublicKey.
func LoadPrivateKey(material []byte) (gocrypto.Signer, error) {
	block, _ := pem.Decode(material)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrKeyFormat)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "OPENSSH PRIVATE KEY":
		key, err = ssh.ParseRawPrivateKey(material)
	default:
		return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrKeyFormat, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	if p, ok := key.(*ed25519.PrivateKey); ok {
		key = *p
	}

	signer, ok := key.(gocrypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrKeyFormat, key)
	}
	if _, err := KeyType(signer.Public()); err != nil {
		return nil, err
	}
	return signer, nil
}

// EncodePrivateKey renders key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKey(key gocrypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
