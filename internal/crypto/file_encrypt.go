package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length of derived encryption keys.
	KeySize = 32
	// MinKDFIterations is the lowest PBKDF2 iteration count accepted.
	MinKDFIterations = 1000
)

var (
	// ErrInvalidKeyLength is returned when the provided key length is invalid.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrKeyMismatch is returned when a password does not derive the expected key.
	ErrKeyMismatch = errors.New("derived key does not match")
	// ErrDecrypt is returned for tokens that fail authentication or are truncated.
	ErrDecrypt = errors.New("decryption failed")
)

// generateRandomBytes generates a slice of random bytes of the given length.
func generateRandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveEncryptionKey stretches password into a 32 byte key with
// PBKDF2-HMAC-SHA256. The password itself is never used as a key.
func DeriveEncryptionKey(salt, password []byte, iterations int) ([]byte, error) {
	if iterations < MinKDFIterations {
		return nil, fmt.Errorf("kdf iterations %d below minimum %d", iterations, MinKDFIterations)
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

// VerifyEncryptionKey checks that password and salt derive key.
func VerifyEncryptionKey(salt, password, key []byte, iterations int) error {
	derived, err := DeriveEncryptionKey(salt, password, iterations)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(derived, key) != 1 {
		return ErrKeyMismatch
	}
	return nil
}

// Encrypt seals plaintext under a key derived from password and salt and
// returns a URL-safe base64 token.
func Encrypt(plaintext, password, salt []byte, iterations int) ([]byte, error) {
	key, err := DeriveEncryptionKey(salt, password, iterations)
	if err != nil {
		return nil, err
	}
	blob, err := EncryptAESGCM(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.URLEncoding.EncodedLen(len(blob)))
	base64.URLEncoding.Encode(out, blob)
	return out, nil
}

// Decrypt opens a token produced by Encrypt.
func Decrypt(token, password, salt []byte, iterations int) ([]byte, error) {
	key, err := DeriveEncryptionKey(salt, password, iterations)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, base64.URLEncoding.DecodedLen(len(token)))
	n, err := base64.URLEncoding.Decode(blob, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return DecryptAESGCM(key, blob[:n])
}

// EncryptAESGCM seals plaintext with AES-256-GCM; the nonce is prepended.
func EncryptAESGCM(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := generateRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptAESGCM reverses EncryptAESGCM.
func DecryptAESGCM(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := gcm.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
