package rifrelay

import (
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testForwarderAddress = ethcommon.HexToAddress("0x3333333333333333333333333333333333333333")

func TestSmartWalletRegistryVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	fwd := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(33))
	codec := NewCodec(big.NewInt(33))

	req := testRelayRequest(sender)
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)

	require.NoError(t, fwd.Verify(req, sig))
	// Verify alone never consumes the nonce
	assert.Equal(t, uint64(0), fwd.CurrentNonce(sender))
}

func TestSmartWalletRegistryRejectsWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	fwd := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(33))
	codec := NewCodec(big.NewInt(33))

	req := testRelayRequest(sender)
	sig, err := codec.Sign(req, otherKey)
	require.NoError(t, err)

	err = fwd.Verify(req, sig)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSmartWalletRegistryNonceAdvance(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	fwd := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(33))
	codec := NewCodec(big.NewInt(33))

	req := testRelayRequest(sender)
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)

	require.NoError(t, fwd.VerifyAndAdvanceNonce(req, sig))
	assert.Equal(t, uint64(1), fwd.CurrentNonce(sender))

	// same signed request again must be a nonce mismatch
	err = fwd.VerifyAndAdvanceNonce(req, sig)
	assert.ErrorIs(t, err, ErrNonceMismatch)
	assert.Equal(t, uint64(1), fwd.CurrentNonce(sender))

	// a fresh request at the advanced nonce passes
	next := req.Copy()
	next.Call.Nonce = 1
	nextSig, err := codec.Sign(next, key)
	require.NoError(t, err)
	require.NoError(t, fwd.VerifyAndAdvanceNonce(next, nextSig))
	assert.Equal(t, uint64(2), fwd.CurrentNonce(sender))
}

func TestSmartWalletRegistryUnknownForwarder(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	fwd := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(33))
	codec := NewCodec(big.NewInt(33))

	req := testRelayRequest(sender)
	req.RelayData.Forwarder = ethcommon.HexToAddress("0x9999999999999999999999999999999999999999")
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)

	err = fwd.Verify(req, sig)
	assert.ErrorIs(t, err, ErrUnknownForwarder)
}

func TestSmartWalletRegistryRegisteredWallet(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	wallet := ethcommon.HexToAddress("0x9999999999999999999999999999999999999999")

	fwd := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(33))
	fwd.RegisterWallet(sender, wallet)
	codec := NewCodec(big.NewInt(33))

	req := testRelayRequest(sender)
	req.RelayData.Forwarder = wallet
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)

	require.NoError(t, fwd.Verify(req, sig))

	// the wallet belongs to sender only
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := crypto.PubkeyToAddress(otherKey.PublicKey)
	otherReq := testRelayRequest(other)
	otherReq.RelayData.Forwarder = wallet
	otherSig, err := codec.Sign(otherReq, otherKey)
	require.NoError(t, err)
	assert.ErrorIs(t, fwd.Verify(otherReq, otherSig), ErrUnknownForwarder)
}
