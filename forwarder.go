package rifrelay

import (
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/patogallaiovlabs/rif-relay/common"
)

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrUnknownForwarder  = errors.New("unknown forwarder")
)

// Forwarder verifies that a RelayRequest was signed by its sender and that
// the sender nonce is fresh, then advances the nonce so the same signed
// request can never execute twice.
type Forwarder interface {
	// Verify checks signature and nonce without consuming the nonce. Used
	// by dry-run simulation.
	Verify(req *common.RelayRequest, sig []byte) error
	// VerifyAndAdvanceNonce checks signature and nonce and consumes the
	// nonce. The advance is never rolled back, even when the settlement
	// that follows is.
	VerifyAndAdvanceNonce(req *common.RelayRequest, sig []byte) error
	CurrentNonce(sender ethcommon.Address) uint64
}

// SmartWalletRegistry is the authenticator family for one wallet factory:
// it tracks per-sender nonces and the wallet instances deployed through the
// factory, and accepts requests whose forwarder is either the shared wallet
// address or a wallet registered to the sender.
type SmartWalletRegistry struct {
	address ethcommon.Address
	codec   *Codec
	nonces  *SyncMap[uint64]
	wallets *SyncMap[ethcommon.Address] // wallet address hex -> owner
}

func NewSmartWalletRegistry(address ethcommon.Address, chainID *big.Int) *SmartWalletRegistry {
	return &SmartWalletRegistry{
		address: address,
		codec:   NewCodec(chainID),
		nonces:  NewSyncMap[uint64](),
		wallets: NewSyncMap[ethcommon.Address](),
	}
}

func (f *SmartWalletRegistry) Address() ethcommon.Address {
	return f.address
}

// RegisterWallet records a deployed smart wallet instance for owner.
func (f *SmartWalletRegistry) RegisterWallet(owner, wallet ethcommon.Address) {
	f.wallets.Store(wallet.Hex(), owner)
}

func (f *SmartWalletRegistry) knownForwarder(sender, forwarder ethcommon.Address) bool {
	if forwarder == f.address {
		return true
	}
	owner, ok := f.wallets.Load(forwarder.Hex())
	return ok && owner == sender
}

func (f *SmartWalletRegistry) Verify(req *common.RelayRequest, sig []byte) error {
	if !f.knownForwarder(req.Call.From, req.RelayData.Forwarder) {
		return fmt.Errorf("%w: %s", ErrUnknownForwarder, req.RelayData.Forwarder.Hex())
	}
	signer, err := f.codec.RecoverSigner(req, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if signer != req.Call.From {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrSignatureMismatch, signer.Hex(), req.Call.From.Hex())
	}
	if current := f.CurrentNonce(req.Call.From); req.Call.Nonce != current {
		return fmt.Errorf("%w: got %d, expected %d", ErrNonceMismatch, req.Call.Nonce, current)
	}
	return nil
}

func (f *SmartWalletRegistry) VerifyAndAdvanceNonce(req *common.RelayRequest, sig []byte) error {
	if err := f.Verify(req, sig); err != nil {
		return err
	}
	f.nonces.Store(req.Call.From.Hex(), req.Call.Nonce+1)
	return nil
}

func (f *SmartWalletRegistry) CurrentNonce(sender ethcommon.Address) uint64 {
	n, _ := f.nonces.Load(sender.Hex())
	return n
}
