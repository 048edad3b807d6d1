package files

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrylevesque/keybar/internal/crypto"
	"github.com/harrylevesque/keybar/internal/models"
	"github.com/harrylevesque/keybar/internal/utils"
)

const (
	privateKeyFile = "device.key"
	publicKeyFile  = "device.pub"
	deviceIDFile   = "device.id"
)

// GenerateKeyPair generates a device key pair of the given kind and saves
// it to dir. kind is one of the crypto.KeyType* names.
func GenerateKeyPair(dir, kind string) (gocrypto.Signer, error) {
	var (
		priv gocrypto.Signer
		err  error
	)
	switch kind {
	case crypto.KeyTypeRSA:
		priv, err = rsa.GenerateKey(rand.Reader, 3072)
	case crypto.KeyTypeECDSAP256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case crypto.KeyTypeECDSAP384:
		priv, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case crypto.KeyTypeEd25519, "":
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unknown key type %q", kind)
	}
	if err != nil {
		return nil, err
	}

	privPEM, err := crypto.EncodePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.EncodePublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(pubPEM), 0644); err != nil {
		return nil, err
	}
	return priv, nil
}

// HasKeyPair reports whether dir already holds a device private key.
func HasKeyPair(dir string) bool {
	return utils.FileExists(filepath.Join(dir, privateKeyFile))
}

// LoadPrivateKey loads the private key from the specified directory.
func LoadPrivateKey(dir string) (gocrypto.Signer, error) {
	data, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	return crypto.LoadPrivateKey(data)
}

// LoadPublicKey returns the PEM text of the public key in dir.
func LoadPublicKey(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return "", err
	}
	if _, err := crypto.LoadPublicKey(string(data)); err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveDeviceID records the id the server assigned at enrollment.
func SaveDeviceID(dir, keyID string) error {
	if _, err := models.ParseKeyID(keyID); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, deviceIDFile), []byte(keyID+"\n"), 0600)
}

// LoadDeviceID returns the id saved by SaveDeviceID.
func LoadDeviceID(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if _, err := models.ParseKeyID(id); err != nil {
		return "", err
	}
	return id, nil
}
