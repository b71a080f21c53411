package rifrelay

import (
	"crypto/ecdsa"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/patogallaiovlabs/rif-relay/common"
)

const (
	typedDataDomainName    = "RSK Enveloping Transaction"
	typedDataDomainVersion = "2"

	signatureLength = 65
)

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")

	relayRequestTypes = apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"RelayRequest": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "data", Type: "bytes"},
			{Name: "tokenRecipient", Type: "address"},
			{Name: "tokenContract", Type: "address"},
			{Name: "paybackTokens", Type: "uint256"},
			{Name: "tokenGas", Type: "uint256"},
			{Name: "isDeploy", Type: "bool"},
			{Name: "relayData", Type: "RelayData"},
		},
		"RelayData": {
			{Name: "gasPrice", Type: "uint256"},
			{Name: "pctRelayFee", Type: "uint256"},
			{Name: "baseRelayFee", Type: "uint256"},
			{Name: "relayWorker", Type: "address"},
			{Name: "paymaster", Type: "address"},
			{Name: "forwarder", Type: "address"},
			{Name: "paymasterData", Type: "bytes"},
			{Name: "clientId", Type: "uint256"},
		},
	}
)

// Codec produces the canonical EIP-712 hash of a RelayRequest and the
// canonical calldata of the relayCall settlement transaction. The typed-data
// domain binds every signature to (forwarder, chainId); the message binds it
// to the sender nonce.
type Codec struct {
	chainID *big.Int
}

func NewCodec(chainID *big.Int) *Codec {
	return &Codec{chainID: new(big.Int).Set(chainID)}
}

func (c *Codec) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Codec) typedData(req *common.RelayRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       relayRequestTypes,
		PrimaryType: "RelayRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              typedDataDomainName,
			Version:           typedDataDomainVersion,
			ChainId:           (*math.HexOrDecimal256)(c.chainID),
			VerifyingContract: req.RelayData.Forwarder.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":           req.Call.From.Hex(),
			"to":             req.Call.To.Hex(),
			"value":          (*math.HexOrDecimal256)(req.Call.Value),
			"gas":            (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Call.Gas)),
			"nonce":          (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Call.Nonce)),
			"data":           hexutil.Encode(req.Call.Data),
			"tokenRecipient": req.Call.TokenRecipient.Hex(),
			"tokenContract":  req.Call.TokenContract.Hex(),
			"paybackTokens":  (*math.HexOrDecimal256)(req.Call.PaybackTokens),
			"tokenGas":       (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Call.TokenGas)),
			"isDeploy":       req.Call.IsDeploy,
			"relayData": map[string]interface{}{
				"gasPrice":      (*math.HexOrDecimal256)(req.RelayData.GasPrice),
				"pctRelayFee":   (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.RelayData.PctRelayFee)),
				"baseRelayFee":  (*math.HexOrDecimal256)(req.RelayData.BaseRelayFee),
				"relayWorker":   req.RelayData.RelayWorker.Hex(),
				"paymaster":     req.RelayData.Paymaster.Hex(),
				"forwarder":     req.RelayData.Forwarder.Hex(),
				"paymasterData": hexutil.Encode(req.RelayData.PaymasterData),
				"clientId":      (*math.HexOrDecimal256)(req.RelayData.ClientID),
			},
		},
	}
}

// Hash returns the typed-data digest a sender signs.
func (c *Codec) Hash(req *common.RelayRequest) (ethcommon.Hash, error) {
	req.Normalize()
	digest, _, err := apitypes.TypedDataAndHash(c.typedData(req))
	if err != nil {
		return ethcommon.Hash{}, errors.Wrap(err, "could not hash relay request")
	}
	return ethcommon.BytesToHash(digest), nil
}

// Sign produces a 65-byte r||s||v signature with v in {27, 28}.
func (c *Codec) Sign(req *common.RelayRequest, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := c.Hash(req)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, errors.Wrap(err, "could not sign relay request")
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over req.
func (c *Codec) RecoverSigner(req *common.RelayRequest, sig []byte) (ethcommon.Address, error) {
	if len(sig) != signatureLength {
		return ethcommon.Address{}, ErrInvalidSignatureLength
	}
	digest, err := c.Hash(req)
	if err != nil {
		return ethcommon.Address{}, err
	}
	cpy := make([]byte, signatureLength)
	copy(cpy, sig)
	if cpy[64] >= 27 {
		cpy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), cpy)
	if err != nil {
		return ethcommon.Address{}, errors.Wrap(err, "could not recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// relayCallData is the RLP layout of the settlement transaction calldata.
// The relay server encodes it when building the transaction; the client
// re-encodes the request it sent and compares byte-for-byte.
type relayCallData struct {
	MaxAcceptanceBudget uint64
	Request             common.RelayRequest
	Signature           []byte
	ApprovalData        []byte
}

func (c *Codec) EncodeRelayCallData(maxAcceptanceBudget uint64, req *common.RelayRequest, sig, approvalData []byte) ([]byte, error) {
	cpy := req.Copy()
	cpy.Normalize()
	out, err := rlp.EncodeToBytes(&relayCallData{
		MaxAcceptanceBudget: maxAcceptanceBudget,
		Request:             *cpy,
		Signature:           sig,
		ApprovalData:        approvalData,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode relayCall data")
	}
	return out, nil
}

func (c *Codec) DecodeRelayCallData(data []byte) (maxAcceptanceBudget uint64, req *common.RelayRequest, sig, approvalData []byte, err error) {
	var decoded relayCallData
	if err = rlp.DecodeBytes(data, &decoded); err != nil {
		return 0, nil, nil, nil, errors.Wrap(err, "could not decode relayCall data")
	}
	return decoded.MaxAcceptanceBudget, &decoded.Request, decoded.Signature, decoded.ApprovalData, nil
}

// RequestSigner signs relay requests on behalf of the sender account.
type RequestSigner interface {
	Address() ethcommon.Address
	SignRelayRequest(req *common.RelayRequest) ([]byte, error)
}

// KeySigner signs with an in-memory ECDSA key.
type KeySigner struct {
	key   *ecdsa.PrivateKey
	codec *Codec
}

func NewKeySigner(key *ecdsa.PrivateKey, chainID *big.Int) *KeySigner {
	return &KeySigner{key: key, codec: NewCodec(chainID)}
}

func (s *KeySigner) Address() ethcommon.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *KeySigner) SignRelayRequest(req *common.RelayRequest) ([]byte, error) {
	return s.codec.Sign(req, s.key)
}
