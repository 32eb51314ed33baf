package crypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ErrInvalidSignature is returned when a voucher signature cannot be recovered.
var ErrInvalidSignature = errors.New("crypto: invalid voucher signature")

// VoucherDigest returns keccak256(abi.encodePacked(user, amount, nonce)), the message
// the claim contract reconstructs before calling ecrecover.
func VoucherDigest(user common.Address, amount, nonce *big.Int) ([]byte, error) {
	amountWord, err := word(amount, "amount")
	if err != nil {
		return nil, err
	}
	nonceWord, err := word(nonce, "nonce")
	if err != nil {
		return nil, err
	}
	packed := make([]byte, 0, common.AddressLength+64)
	packed = append(packed, user.Bytes()...)
	packed = append(packed, amountWord[:]...)
	packed = append(packed, nonceWord[:]...)
	return crypto.Keccak256(packed), nil
}

// SignVoucher signs the EIP-191 prefixed voucher digest. The recovery id is shifted
// into {27, 28} as expected by Solidity's ecrecover.
func SignVoucher(key *PrivateKey, user common.Address, amount, nonce *big.Int) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: signer key not configured")
	}
	digest, err := VoucherDigest(user, amount, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(digest), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign voucher: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverVoucherSigner returns the address that produced sig over the voucher fields.
func RecoverVoucherSigner(user common.Address, amount, nonce *big.Int, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	digest, err := VoucherDigest(user, amount, nonce)
	if err != nil {
		return common.Address{}, err
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func word(value *big.Int, field string) ([32]byte, error) {
	if value == nil || value.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("crypto: %s must be non-negative", field)
	}
	converted, overflow := uint256.FromBig(value)
	if overflow {
		return [32]byte{}, fmt.Errorf("crypto: %s exceeds 256 bits", field)
	}
	return converted.Bytes32(), nil
}
