package files

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/harrylevesque/keybar/internal/utils"
)

// MasterKeyEnv overrides the master key file when set.
const MasterKeyEnv = "KEYBAR_MASTER_KEY_HEX"

// MasterKeySize is the length of the user store master key in bytes.
const MasterKeySize = 32

var ErrMasterKeyExists = errors.New("master key file already exists")

// ReadMasterKey returns the user store master key from MasterKeyEnv or,
// when that is unset, from the hex file at path.
func ReadMasterKey(path string) ([]byte, error) {
	if h := os.Getenv(MasterKeyEnv); h != "" {
		return decodeMasterKey(h)
	}
	key, err := ReadMasterKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s not set: %w", MasterKeyEnv, err)
	}
	return key, nil
}

// ReadMasterKeyFile decodes the hex master key stored at path, ignoring
// MasterKeyEnv.
func ReadMasterKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("master key file unreadable: %w", err)
	}
	return decodeMasterKey(string(data))
}

func decodeMasterKey(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("master key hex decode error: %w", err)
	}
	if len(b) != MasterKeySize {
		return nil, fmt.Errorf("master key length must be %d bytes (hex %d chars)", MasterKeySize, 2*MasterKeySize)
	}
	return b, nil
}

// WriteMasterKey generates a random master key and writes it hex-encoded
// to path. An existing file is only replaced when force is set.
func WriteMasterKey(path string, force bool) error {
	if !force && utils.FileExists(path) {
		return fmt.Errorf("%s: %w", path, ErrMasterKeyExists)
	}
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating random key: %w", err)
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600)
}
