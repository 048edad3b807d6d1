package httpsig

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
)

// Signature algorithms accepted on the wire.
const (
	AlgRSASHA256   = "rsa-sha256"
	AlgRSASHA512   = "rsa-sha512"
	AlgECDSASHA256 = "ecdsa-sha256"
	AlgECDSASHA384 = "ecdsa-sha384"
	AlgEd25519     = "ed25519"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrAlgorithmMismatch    = errors.New("algorithm does not match key")
	ErrVerification         = errors.New("signature verification failed")
)

// HashFor returns the digest used by alg. Ed25519 signs the message itself
// and reports the zero hash.
func HashFor(alg string) (gocrypto.Hash, error) {
	switch alg {
	case AlgRSASHA256, AlgECDSASHA256:
		return gocrypto.SHA256, nil
	case AlgECDSASHA384:
		return gocrypto.SHA384, nil
	case AlgRSASHA512:
		return gocrypto.SHA512, nil
	case AlgEd25519:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// CheckAlgorithm fails unless alg is allowed and belongs to pub's family.
func CheckAlgorithm(alg string, pub gocrypto.PublicKey) error {
	if _, err := HashFor(alg); err != nil {
		return err
	}
	var ok bool
	switch k := pub.(type) {
	case *rsa.PublicKey:
		ok = alg == AlgRSASHA256 || alg == AlgRSASHA512
	case *ecdsa.PublicKey:
		ok = (alg == AlgECDSASHA256 && k.Curve == elliptic.P256()) ||
			(alg == AlgECDSASHA384 && k.Curve == elliptic.P384())
	case ed25519.PublicKey:
		ok = alg == AlgEd25519
	}
	if !ok {
		return fmt.Errorf("%w: %s for %T", ErrAlgorithmMismatch, alg, pub)
	}
	return nil
}

// AlgorithmFor picks the default algorithm for a key.
func AlgorithmFor(pub gocrypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return AlgRSASHA256, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgECDSASHA256, nil
		case elliptic.P384():
			return AlgECDSASHA384, nil
		}
	case ed25519.PublicKey:
		return AlgEd25519, nil
	}
	return "", fmt.Errorf("%w: no algorithm for %T", ErrUnsupportedAlgorithm, pub)
}

// SignMessage signs message with key under alg. RSA uses PKCS#1 v1.5 and
// ECDSA produces ASN.1 DER signatures.
func SignMessage(alg string, key gocrypto.Signer, message []byte) ([]byte, error) {
	if err := CheckAlgorithm(alg, key.Public()); err != nil {
		return nil, err
	}
	h, _ := HashFor(alg)
	if h == 0 {
		return key.Sign(rand.Reader, message, gocrypto.Hash(0))
	}
	hasher := h.New()
	hasher.Write(message)
	return key.Sign(rand.Reader, hasher.Sum(nil), h)
}

// Verify checks sig over message with pub under alg.
func Verify(alg string, pub gocrypto.PublicKey, message, sig []byte) error {
	if err := CheckAlgorithm(alg, pub); err != nil {
		return err
	}
	h, _ := HashFor(alg)
	var digest []byte
	if h != 0 {
		hasher := h.New()
		hasher.Write(message)
		digest = hasher.Sum(nil)
	}

	var ok bool
	switch k := pub.(type) {
	case *rsa.PublicKey:
		ok = rsa.VerifyPKCS1v15(k, h, digest, sig) == nil
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(k, digest, sig)
	case ed25519.PublicKey:
		ok = ed25519.Verify(k, message, sig)
	}
	if !ok {
		return ErrVerification
	}
	return nil
}
