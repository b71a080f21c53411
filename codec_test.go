package rifrelay

import (
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patogallaiovlabs/rif-relay/common"
)

func testRelayRequest(from ethcommon.Address) *common.RelayRequest {
	req := &common.RelayRequest{
		Call: common.Call{
			From:  from,
			To:    ethcommon.HexToAddress("0x1111111111111111111111111111111111111111"),
			Value: big.NewInt(0),
			Gas:   100_000,
			Nonce: 0,
			Data:  []byte{0xde, 0xad, 0xbe, 0xef},
		},
		RelayData: common.RelayData{
			GasPrice:    big.NewInt(10),
			PctRelayFee: 10,
			Paymaster:   ethcommon.HexToAddress("0x2222222222222222222222222222222222222222"),
			Forwarder:   ethcommon.HexToAddress("0x3333333333333333333333333333333333333333"),
		},
	}
	req.Normalize()
	return req
}

func TestCodecSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	codec := NewCodec(big.NewInt(33))
	req := testRelayRequest(sender)

	sig, err := codec.Sign(req, key)
	require.NoError(t, err)
	require.Len(t, sig, signatureLength)

	recovered, err := codec.RecoverSigner(req, sig)
	require.NoError(t, err)
	assert.Equal(t, sender, recovered)
}

func TestCodecHashBindsRequestFields(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	codec := NewCodec(big.NewInt(33))
	base := testRelayRequest(sender)
	baseHash, err := codec.Hash(base)
	require.NoError(t, err)

	tests := map[string]func(req *common.RelayRequest){
		"value":     func(req *common.RelayRequest) { req.Call.Value = big.NewInt(1) },
		"nonce":     func(req *common.RelayRequest) { req.Call.Nonce = 7 },
		"data":      func(req *common.RelayRequest) { req.Call.Data = []byte{0x01} },
		"gasPrice":  func(req *common.RelayRequest) { req.RelayData.GasPrice = big.NewInt(11) },
		"forwarder": func(req *common.RelayRequest) { req.RelayData.Forwarder = ethcommon.HexToAddress("0x4444444444444444444444444444444444444444") },
		"isDeploy":  func(req *common.RelayRequest) { req.Call.IsDeploy = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := base.Copy()
			mutate(req)
			h, err := codec.Hash(req)
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, h)
		})
	}
}

func TestCodecHashBindsChainID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	req := testRelayRequest(sender)

	h33, err := NewCodec(big.NewInt(33)).Hash(req)
	require.NoError(t, err)
	h31, err := NewCodec(big.NewInt(31)).Hash(req)
	require.NoError(t, err)
	assert.NotEqual(t, h33, h31)
}

func TestCodecMutationInvalidatesSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	codec := NewCodec(big.NewInt(33))
	req := testRelayRequest(sender)
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)

	tampered := req.Copy()
	tampered.Call.Value = big.NewInt(1_000_000)
	recovered, err := codec.RecoverSigner(tampered, sig)
	if err == nil {
		assert.NotEqual(t, sender, recovered)
	}
}

func TestCodecRejectsBadSignatureLength(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	codec := NewCodec(big.NewInt(33))
	req := testRelayRequest(crypto.PubkeyToAddress(key.PublicKey))

	_, err = codec.RecoverSigner(req, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidSignatureLength)
}

func TestRelayCallDataRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	codec := NewCodec(big.NewInt(33))
	req := testRelayRequest(sender)
	sig, err := codec.Sign(req, key)
	require.NoError(t, err)
	approval := []byte{0xaa, 0xbb}

	encoded, err := codec.EncodeRelayCallData(150_000, req, sig, approval)
	require.NoError(t, err)

	budget, decoded, decodedSig, decodedApproval, err := codec.DecodeRelayCallData(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(150_000), budget)
	assert.Equal(t, req.Call.From, decoded.Call.From)
	assert.Equal(t, req.Call.Gas, decoded.Call.Gas)
	assert.Equal(t, req.RelayData.Forwarder, decoded.RelayData.Forwarder)
	assert.Equal(t, sig, decodedSig)
	assert.Equal(t, approval, decodedApproval)

	// identical input must re-encode byte for byte, the client compares
	// calldata this way
	reencoded, err := codec.EncodeRelayCallData(150_000, decoded, decodedSig, decodedApproval)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

func TestKeySigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewKeySigner(key, big.NewInt(33))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	req := testRelayRequest(signer.Address())
	sig, err := signer.SignRelayRequest(req)
	require.NoError(t, err)

	recovered, err := NewCodec(big.NewInt(33)).RecoverSigner(req, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}
