package crypto

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSignVoucherRecoversSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	sig, err := SignVoucher(key, user, big.NewInt(8_670_000), big.NewInt(3))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverVoucherSigner(user, big.NewInt(8_670_000), big.NewInt(3), sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)
}

func TestRecoverVoucherSignerRejectsTamperedFields(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	sig, err := SignVoucher(key, user, big.NewInt(100), big.NewInt(0))
	require.NoError(t, err)

	// Another nonce yields a different digest, so recovery lands on an unrelated address.
	signer, err := RecoverVoucherSigner(user, big.NewInt(100), big.NewInt(1), sig)
	if err == nil {
		require.NotEqual(t, key.Address(), signer)
	}
	_, err = RecoverVoucherSigner(user, big.NewInt(100), big.NewInt(0), sig[:10])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVoucherDigestPackedLayout(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	first, err := VoucherDigest(user, big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	second, err := VoucherDigest(user, big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 32)

	swapped, err := VoucherDigest(user, big.NewInt(2), big.NewInt(1))
	require.NoError(t, err)
	require.NotEqual(t, first, swapped)

	_, err = VoucherDigest(user, big.NewInt(-1), big.NewInt(0))
	require.Error(t, err)
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = VoucherDigest(user, tooLarge, big.NewInt(0))
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x00000000000000000000000000000000000000aB ")
	require.NoError(t, err)
	require.Equal(t, "0x00000000000000000000000000000000000000ab", NormalizeAddress(addr))

	for _, raw := range []string{"", "0x123", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		_, err := ParseAddress(raw)
		require.ErrorIs(t, err, ErrInvalidAddress, raw)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "calculator.json")

	require.NoError(t, WriteKeystore(path, key, "secret", KeystoreLight))
	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	encoded := "0x" + common.Bytes2Hex(key.Bytes())
	decoded, err := PrivateKeyFromHex(encoded)
	require.NoError(t, err)
	require.Equal(t, key.Address(), decoded.Address())

	_, err = PrivateKeyFromHex("  ")
	require.Error(t, err)
	_, err = PrivateKeyFromHex("zz")
	require.Error(t, err)
}
