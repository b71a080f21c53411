package common

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrMissingWorker  = errors.New("relay worker address missing")
	ErrRelayNotReady  = errors.New("relay server not ready")

	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkRegtest = "regtest"
	NetworkCustom  = "custom"
)

// Router paths served by a relay server and consumed by the orchestrator.
const (
	PathIndex   = "/"
	PathStatus  = "/status"
	PathGetAddr = "/getaddr"
	PathRelay   = "/relay"
)

const (
	HeaderContentType    = "Content-Type"
	MediaTypeJSON        = "application/json"
	MediaTypeOctetStream = "application/octet-stream"
)

// Call is the sender-authorized half of a RelayRequest: the target
// invocation plus the optional token payback that compensates the relay
// in ERC20 instead of native currency. IsDeploy switches the request from
// "call target" to "deploy a new smart wallet for the sender".
type Call struct {
	From           ethcommon.Address `json:"from"`
	To             ethcommon.Address `json:"to"`
	Value          *big.Int          `json:"value"`
	Gas            uint64            `json:"gas"`
	Nonce          uint64            `json:"nonce"`
	Data           hexutil.Bytes     `json:"data"`
	TokenRecipient ethcommon.Address `json:"tokenRecipient"`
	TokenContract  ethcommon.Address `json:"tokenContract"`
	PaybackTokens  *big.Int          `json:"paybackTokens"`
	TokenGas       uint64            `json:"tokenGas"`
	IsDeploy       bool              `json:"isDeploy"`
}

// RelayData is the relay-facing half of a RelayRequest: pricing, fees and
// the addresses the settlement runs through.
type RelayData struct {
	GasPrice      *big.Int          `json:"gasPrice"`
	PctRelayFee   uint64            `json:"pctRelayFee"`
	BaseRelayFee  *big.Int          `json:"baseRelayFee"`
	RelayWorker   ethcommon.Address `json:"relayWorker"`
	Paymaster     ethcommon.Address `json:"paymaster"`
	Forwarder     ethcommon.Address `json:"forwarder"`
	PaymasterData hexutil.Bytes     `json:"paymasterData"`
	ClientID      *big.Int          `json:"clientId"`
}

// RelayRequest is immutable once signed; any mutation invalidates the
// signature.
type RelayRequest struct {
	Call      Call      `json:"request"`
	RelayData RelayData `json:"relayData"`
}

// Normalize replaces nil big.Int fields with zero so the request can be
// hashed and RLP encoded deterministically.
func (r *RelayRequest) Normalize() {
	if r.Call.Value == nil {
		r.Call.Value = new(big.Int)
	}
	if r.Call.PaybackTokens == nil {
		r.Call.PaybackTokens = new(big.Int)
	}
	if r.RelayData.GasPrice == nil {
		r.RelayData.GasPrice = new(big.Int)
	}
	if r.RelayData.BaseRelayFee == nil {
		r.RelayData.BaseRelayFee = new(big.Int)
	}
	if r.RelayData.ClientID == nil {
		r.RelayData.ClientID = new(big.Int)
	}
}

// Copy returns a deep copy, so a per-relay variant can be filled in and
// signed without mutating the base request.
func (r *RelayRequest) Copy() *RelayRequest {
	cpy := *r
	cpy.Call.Data = append(hexutil.Bytes(nil), r.Call.Data...)
	cpy.RelayData.PaymasterData = append(hexutil.Bytes(nil), r.RelayData.PaymasterData...)
	if r.Call.Value != nil {
		cpy.Call.Value = new(big.Int).Set(r.Call.Value)
	}
	if r.Call.PaybackTokens != nil {
		cpy.Call.PaybackTokens = new(big.Int).Set(r.Call.PaybackTokens)
	}
	if r.RelayData.GasPrice != nil {
		cpy.RelayData.GasPrice = new(big.Int).Set(r.RelayData.GasPrice)
	}
	if r.RelayData.BaseRelayFee != nil {
		cpy.RelayData.BaseRelayFee = new(big.Int).Set(r.RelayData.BaseRelayFee)
	}
	if r.RelayData.ClientID != nil {
		cpy.RelayData.ClientID = new(big.Int).Set(r.RelayData.ClientID)
	}
	return &cpy
}

// HasTokenPayment reports whether the request carries an ERC20 payback.
func (r *RelayRequest) HasTokenPayment() bool {
	return r.Call.PaybackTokens != nil && r.Call.PaybackTokens.Sign() > 0
}

// PingResponse is returned by GET /getaddr.
type PingResponse struct {
	RelayWorkerAddress  ethcommon.Address `json:"relayWorkerAddress"`
	RelayManagerAddress ethcommon.Address `json:"relayManagerAddress"`
	RelayHubAddress     ethcommon.Address `json:"relayHubAddress"`
	MinGasPrice         *big.Int          `json:"minGasPrice"`
	MaxAcceptanceBudget uint64            `json:"maxAcceptanceBudget"`
	Ready               bool              `json:"ready"`
	Version             string            `json:"version"`
}

// RelayMetadata rides along with a relayed request so the server can bound
// what it signs and the client can validate what comes back.
type RelayMetadata struct {
	RelayHubAddress     ethcommon.Address `json:"relayHubAddress"`
	RelayMaxNonce       uint64            `json:"relayMaxNonce"`
	MaxAcceptanceBudget uint64            `json:"maxAcceptanceBudget"`
}

// RelayTransactionRequest is the POST /relay payload.
type RelayTransactionRequest struct {
	RelayRequest RelayRequest  `json:"relayRequest"`
	Signature    hexutil.Bytes `json:"signature"`
	ApprovalData hexutil.Bytes `json:"approvalData"`
	Metadata     RelayMetadata `json:"metadata"`
}

// RelayServerResponse is the POST /relay response. Exactly one of SignedTx
// and Error is set.
type RelayServerResponse struct {
	SignedTx hexutil.Bytes `json:"signedTx,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type NetworkDetails struct {
	Name            string
	ChainID         *big.Int
	RelayHubAddress ethcommon.Address
	WalletFactory   ethcommon.Address
}

func NewNetworkDetails(networkName string) (*NetworkDetails, error) {
	switch networkName {
	case NetworkMainnet:
		return &NetworkDetails{
			Name:            networkName,
			ChainID:         big.NewInt(30),
			RelayHubAddress: ethcommon.HexToAddress("0xAd525463961399793f8716b0D85133ff7503a7C2"),
			WalletFactory:   ethcommon.HexToAddress("0xCBc3BC24da96Ef5606d3801E13E1DC6E98C5c877"),
		}, nil
	case NetworkTestnet:
		return &NetworkDetails{
			Name:            networkName,
			ChainID:         big.NewInt(31),
			RelayHubAddress: ethcommon.HexToAddress("0x66Fa9FEAfB8Db66Fe2160ca7aEAc7FC24e254387"),
			WalletFactory:   ethcommon.HexToAddress("0xCBc3BC24da96Ef5606d3801E13E1DC6E98C5c877"),
		}, nil
	case NetworkRegtest:
		return &NetworkDetails{
			Name:            networkName,
			ChainID:         big.NewInt(33),
			RelayHubAddress: ethcommon.HexToAddress("0x3bA95e1cccd397b5124BcdCC5bf0952114E6A701"),
			WalletFactory:   ethcommon.HexToAddress("0x73ec81da0C72DD112e06c09A6ec03B5544d26F05"),
		}, nil
	case NetworkCustom:
		chainID, ok := new(big.Int).SetString(os.Getenv("RELAY_CHAIN_ID"), 10)
		if !ok {
			return nil, fmt.Errorf("%w: invalid RELAY_CHAIN_ID", ErrUnknownNetwork)
		}
		return &NetworkDetails{
			Name:            networkName,
			ChainID:         chainID,
			RelayHubAddress: ethcommon.HexToAddress(os.Getenv("RELAY_HUB_ADDRESS")),
			WalletFactory:   ethcommon.HexToAddress(os.Getenv("RELAY_WALLET_FACTORY")),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, networkName)
	}
}

func (n *NetworkDetails) String() string {
	return fmt.Sprintf("NetworkDetails{Name: %s, ChainID: %s, RelayHub: %s, WalletFactory: %s}",
		n.Name, n.ChainID, n.RelayHubAddress.Hex(), n.WalletFactory.Hex())
}
