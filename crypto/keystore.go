package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// KeystoreStrength selects the scrypt parameters used when encrypting a key.
type KeystoreStrength int

const (
	// KeystoreStandard uses go-ethereum's standard scrypt parameters.
	KeystoreStandard KeystoreStrength = iota
	// KeystoreLight uses the light parameters; intended for tests and local setups.
	KeystoreLight
)

// WriteKeystore encrypts the calculator key into an Ethereum v3 keystore file.
// The parent directory is created with 0700 permissions and the file is written 0600.
func WriteKeystore(path string, key *PrivateKey, passphrase string, strength KeystoreStrength) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if strength == KeystoreLight {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}
	encoded, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}
	return os.WriteFile(path, encoded, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
