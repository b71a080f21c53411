package rifrelay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrOutOfGas            = errors.New("out of gas")
	ErrNoContractCode      = errors.New("no contract code at address")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

const (
	// flat cost assigned to a contract invocation before handler metering
	callBaseGas = 700
	// cost of instantiating a smart wallet through the factory
	walletDeployGas = 55_000
)

// Backend is the ledger the settlement engine runs against. Snapshots nest:
// reverting to an older snapshot discards everything journaled after it.
// Callers serialize access; the hub holds its own lock across a settlement.
type Backend interface {
	Snapshot() int
	RevertToSnapshot(id int)
	CodeSize(addr ethcommon.Address) int
	BlockGasLimit() uint64
	// Call executes the contract at to on behalf of from. A failed call
	// leaves no side effects and reports the gas it burned.
	Call(ctx context.Context, from, to ethcommon.Address, data []byte, gas uint64, value *big.Int) (ret []byte, gasUsed uint64, err error)
	// TransferToken moves ERC20 balance; a failed transfer changes nothing.
	TransferToken(token, from, to ethcommon.Address, amount *big.Int) error
	// DeployAuthenticator instantiates a new smart wallet owned by owner.
	DeployAuthenticator(ctx context.Context, owner ethcommon.Address, gas uint64) (ethcommon.Address, uint64, error)
}

// CallEnv is what a registered contract handler executes against. State
// mutations go through SetState/SetTokenBalance so they land in the journal
// and unwind on revert.
type CallEnv struct {
	Backend *MemBackend
	Caller  ethcommon.Address
	Address ethcommon.Address
	Value   *big.Int
	Data    []byte

	gasLimit uint64
	gasUsed  uint64
	outOfGas bool
}

// UseGas meters handler work. It reports false once the budget is blown;
// the surrounding call then fails with ErrOutOfGas.
func (e *CallEnv) UseGas(amount uint64) bool {
	if e.gasUsed+amount > e.gasLimit {
		e.outOfGas = true
		return false
	}
	e.gasUsed += amount
	return true
}

func (e *CallEnv) SetState(key string, value []byte) {
	e.Backend.setState(e.Address, key, value)
}

func (e *CallEnv) GetState(key string) []byte {
	return e.Backend.GetState(e.Address, key)
}

// ContractHandler stands in for deployed bytecode in the in-memory backend.
type ContractHandler func(env *CallEnv) ([]byte, error)

// MemBackend is a journaled in-memory Backend. Every mutation appends an
// undo entry; RevertToSnapshot unwinds the journal back to the snapshot
// point, the same way a state database journal does.
type MemBackend struct {
	blockGasLimit uint64
	factory       ethcommon.Address

	journal  []func()
	code     map[ethcommon.Address][]byte
	handlers map[ethcommon.Address]ContractHandler
	storage  map[ethcommon.Address]map[string][]byte
	native   map[ethcommon.Address]*uint256.Int
	tokens   map[ethcommon.Address]map[ethcommon.Address]*uint256.Int

	deployNonce uint64
}

func NewMemBackend(blockGasLimit uint64, factory ethcommon.Address) *MemBackend {
	return &MemBackend{
		blockGasLimit: blockGasLimit,
		factory:       factory,
		code:          make(map[ethcommon.Address][]byte),
		handlers:      make(map[ethcommon.Address]ContractHandler),
		storage:       make(map[ethcommon.Address]map[string][]byte),
		native:        make(map[ethcommon.Address]*uint256.Int),
		tokens:        make(map[ethcommon.Address]map[ethcommon.Address]*uint256.Int),
	}
}

func (b *MemBackend) Snapshot() int {
	return len(b.journal)
}

func (b *MemBackend) RevertToSnapshot(id int) {
	for i := len(b.journal) - 1; i >= id; i-- {
		b.journal[i]()
	}
	b.journal = b.journal[:id]
}

func (b *MemBackend) BlockGasLimit() uint64 {
	return b.blockGasLimit
}

func (b *MemBackend) CodeSize(addr ethcommon.Address) int {
	return len(b.code[addr])
}

// RegisterContract installs a handler at addr and marks the account as
// having code.
func (b *MemBackend) RegisterContract(addr ethcommon.Address, handler ContractHandler) {
	b.handlers[addr] = handler
	b.code[addr] = []byte{0x01}
}

func (b *MemBackend) SetCode(addr ethcommon.Address, code []byte) {
	b.code[addr] = code
}

func (b *MemBackend) Fund(addr ethcommon.Address, amount *big.Int) {
	b.native[addr] = uint256.MustFromBig(amount)
}

func (b *MemBackend) NativeBalance(addr ethcommon.Address) *big.Int {
	if bal, ok := b.native[addr]; ok {
		return bal.ToBig()
	}
	return new(big.Int)
}

func (b *MemBackend) MintToken(token, holder ethcommon.Address, amount *big.Int) {
	if b.tokens[token] == nil {
		b.tokens[token] = make(map[ethcommon.Address]*uint256.Int)
	}
	b.tokens[token][holder] = uint256.MustFromBig(amount)
}

func (b *MemBackend) TokenBalance(token, holder ethcommon.Address) *big.Int {
	if holders, ok := b.tokens[token]; ok {
		if bal, ok := holders[holder]; ok {
			return bal.ToBig()
		}
	}
	return new(big.Int)
}

func (b *MemBackend) GetState(addr ethcommon.Address, key string) []byte {
	return b.storage[addr][key]
}

func (b *MemBackend) setState(addr ethcommon.Address, key string, value []byte) {
	if b.storage[addr] == nil {
		b.storage[addr] = make(map[string][]byte)
	}
	prev, existed := b.storage[addr][key]
	b.journal = append(b.journal, func() {
		if existed {
			b.storage[addr][key] = prev
		} else {
			delete(b.storage[addr], key)
		}
	})
	b.storage[addr][key] = value
}

func (b *MemBackend) setNative(addr ethcommon.Address, value *uint256.Int) {
	prev, existed := b.native[addr]
	b.journal = append(b.journal, func() {
		if existed {
			b.native[addr] = prev
		} else {
			delete(b.native, addr)
		}
	})
	b.native[addr] = value
}

func (b *MemBackend) transferNative(from, to ethcommon.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	fromBal, ok := b.native[from]
	if !ok || fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, from.Hex())
	}
	toBal := b.native[to]
	if toBal == nil {
		toBal = new(uint256.Int)
	}
	b.setNative(from, new(uint256.Int).Sub(fromBal, amount))
	b.setNative(to, new(uint256.Int).Add(toBal, amount))
	return nil
}

func (b *MemBackend) Call(ctx context.Context, from, to ethcommon.Address, data []byte, gas uint64, value *big.Int) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	handler, ok := b.handlers[to]
	if !ok {
		return nil, callBaseGas, fmt.Errorf("%w: %s", ErrNoContractCode, to.Hex())
	}
	if gas < callBaseGas {
		return nil, gas, ErrOutOfGas
	}

	snap := b.Snapshot()
	if value != nil && value.Sign() > 0 {
		if err := b.transferNative(from, to, uint256.MustFromBig(value)); err != nil {
			b.RevertToSnapshot(snap)
			return nil, callBaseGas, err
		}
	}

	env := &CallEnv{
		Backend:  b,
		Caller:   from,
		Address:  to,
		Value:    value,
		Data:     data,
		gasLimit: gas - callBaseGas,
	}
	ret, err := handler(env)
	gasUsed := callBaseGas + env.gasUsed
	if env.outOfGas {
		b.RevertToSnapshot(snap)
		return nil, gas, ErrOutOfGas
	}
	if err != nil {
		b.RevertToSnapshot(snap)
		return ret, gasUsed, err
	}
	return ret, gasUsed, nil
}

func (b *MemBackend) TransferToken(token, from, to ethcommon.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	want := uint256.MustFromBig(amount)
	holders := b.tokens[token]
	fromBal := holders[from]
	if fromBal == nil || fromBal.Lt(want) {
		return fmt.Errorf("%w: token %s holder %s", ErrInsufficientBalance, token.Hex(), from.Hex())
	}
	toBal := holders[to]
	if toBal == nil {
		toBal = new(uint256.Int)
	}
	b.setToken(token, from, new(uint256.Int).Sub(fromBal, want))
	b.setToken(token, to, new(uint256.Int).Add(toBal, want))
	return nil
}

func (b *MemBackend) setToken(token, holder ethcommon.Address, value *uint256.Int) {
	if b.tokens[token] == nil {
		b.tokens[token] = make(map[ethcommon.Address]*uint256.Int)
	}
	prev, existed := b.tokens[token][holder]
	b.journal = append(b.journal, func() {
		if existed {
			b.tokens[token][holder] = prev
		} else {
			delete(b.tokens[token], holder)
		}
	})
	b.tokens[token][holder] = value
}

func (b *MemBackend) DeployAuthenticator(ctx context.Context, owner ethcommon.Address, gas uint64) (ethcommon.Address, uint64, error) {
	if err := ctx.Err(); err != nil {
		return ethcommon.Address{}, 0, err
	}
	if gas < walletDeployGas {
		return ethcommon.Address{}, gas, ErrOutOfGas
	}
	wallet := crypto.CreateAddress(b.factory, b.deployNonce)

	prevNonce := b.deployNonce
	b.journal = append(b.journal, func() {
		b.deployNonce = prevNonce
		delete(b.code, wallet)
	})
	b.deployNonce++
	b.code[wallet] = []byte{0x01}
	return wallet, walletDeployGas, nil
}
