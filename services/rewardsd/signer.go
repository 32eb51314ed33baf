package rewardsd

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lpmining/crypto"
)

// VoucherSigner produces claim signatures accepted by the claim contract.
type VoucherSigner interface {
	Address() common.Address
	SignVoucher(user common.Address, amount, nonce *big.Int) ([]byte, error)
}

// KeySigner signs vouchers with an in-memory calculator key.
type KeySigner struct {
	key *crypto.PrivateKey
}

// NewKeySigner wraps a loaded private key.
func NewKeySigner(key *crypto.PrivateKey) (*KeySigner, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("signer key required")
	}
	return &KeySigner{key: key}, nil
}

// Address returns the calculator address the contract must trust.
func (s *KeySigner) Address() common.Address { return s.key.Address() }

// SignVoucher signs (user, amount, nonce).
func (s *KeySigner) SignVoucher(user common.Address, amount, nonce *big.Int) ([]byte, error) {
	return crypto.SignVoucher(s.key, user, amount, nonce)
}

// LoadSigner resolves the calculator key from configuration. It returns a nil signer
// when nothing is configured or the configured key_env is unset, which leaves
// claims disabled.
func LoadSigner(cfg SignerConfig) (*KeySigner, string, error) {
	if !cfg.Configured() {
		return nil, "", nil
	}
	var (
		key    *crypto.PrivateKey
		source string
		err    error
	)
	switch {
	case cfg.Key != "":
		source = "inline"
		key, err = crypto.PrivateKeyFromHex(cfg.Key)
	case cfg.KeyEnv != "":
		source = "env:" + cfg.KeyEnv
		value := strings.TrimSpace(os.Getenv(cfg.KeyEnv))
		if value == "" {
			return nil, source, nil
		}
		key, err = crypto.PrivateKeyFromHex(value)
	case cfg.KeyFile != "":
		source = "file:" + cfg.KeyFile
		contents, readErr := os.ReadFile(cfg.KeyFile)
		if readErr != nil {
			return nil, source, fmt.Errorf("read signer key_file: %w", readErr)
		}
		key, err = crypto.PrivateKeyFromHex(strings.TrimSpace(string(contents)))
	case cfg.Keystore != "":
		source = "keystore:" + cfg.Keystore
		passphrase := ""
		if cfg.PassphraseEnv != "" {
			passphrase = os.Getenv(cfg.PassphraseEnv)
		}
		key, err = crypto.LoadFromKeystore(cfg.Keystore, passphrase)
	}
	if err != nil {
		return nil, source, fmt.Errorf("load signer key: %w", err)
	}
	signer, err := NewKeySigner(key)
	if err != nil {
		return nil, source, err
	}
	return signer, source, nil
}
