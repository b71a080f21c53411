package rifrelay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/patogallaiovlabs/rif-relay/common"
	"github.com/patogallaiovlabs/rif-relay/fluentstats"
)

// StatusCode classifies the outcome of an accounted settlement. Fatal
// rejections never produce a status; they surface as errors instead.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusRelayedCallFailed
	StatusRejectedByPreRelayed
	StatusRejectedByForwarder
	StatusRejectedByRecipientRevert
	StatusPostRelayedFailed
	StatusPaymasterBalanceChanged
	StatusRelayedTokenPaymentFailed
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRelayedCallFailed:
		return "RelayedCallFailed"
	case StatusRejectedByPreRelayed:
		return "RejectedByPreRelayed"
	case StatusRejectedByForwarder:
		return "RejectedByForwarder"
	case StatusRejectedByRecipientRevert:
		return "RejectedByRecipientRevert"
	case StatusPostRelayedFailed:
		return "PostRelayedFailed"
	case StatusPaymasterBalanceChanged:
		return "PaymasterBalanceChanged"
	case StatusRelayedTokenPaymentFailed:
		return "RelayedTokenPaymentFailed"
	default:
		return fmt.Sprintf("StatusCode(%d)", uint8(s))
	}
}

// Fatal settlement rejections. None of these charge the paymaster.
var (
	ErrUnknownWorker          = errors.New("unknown relay worker")
	ErrManagerNotStaked       = errors.New("relay manager not staked")
	ErrWorkerIsContract       = errors.New("relay worker cannot be a contract")
	ErrImpossibleGasLimit     = errors.New("impossible gas limit")
	ErrInsufficientGas        = errors.New("not enough gas for the relayed call")
	ErrInvalidGasPrice        = errors.New("invalid gas price")
	ErrPaymasterBalanceTooLow = errors.New("paymaster balance too low")
	ErrForwarderRejected      = errors.New("forwarder rejected relay request")
	ErrUnknownPaymaster       = errors.New("unknown paymaster")
)

const (
	// fixed engine overhead accounted to every settlement
	relayCallGasOverhead = 34_000
	// headroom kept back so the engine can always finish accounting
	relayCallGasReserve = 100_000
	// accounted cost of the paymaster hooks
	preRelayedCallGasCost  = 40_000
	postRelayedCallGasCost = 20_000
)

// RelayCallArgs is the full input of one settlement.
type RelayCallArgs struct {
	Worker              ethcommon.Address
	MaxAcceptanceBudget uint64
	Request             *common.RelayRequest
	Signature           []byte
	ApprovalData        []byte
	// ExternalGasLimit is the gas the worker attached to the settlement
	// transaction; it bounds what the paymaster can be charged for.
	ExternalGasLimit uint64
	// TxGasPrice is the price the worker is actually paying.
	TxGasPrice *big.Int
}

// SettlementResult is the accounted outcome of a relay call. A non-nil
// result means the settlement ran to completion; fatal rejections return
// (nil, error) and leave no trace on the ledger.
type SettlementResult struct {
	Status      StatusCode
	Charge      *big.Int
	GasUsed     uint64
	ReturnValue []byte
	Reason      string
}

// SettlementEvent is published to registered listeners after every
// accounted settlement.
type SettlementEvent struct {
	Worker      ethcommon.Address
	Manager     ethcommon.Address
	Paymaster   ethcommon.Address
	Status      StatusCode
	Charge      *big.Int
	GasUsed     uint64
	ReturnValue []byte
	Reason      string
}

// StakeInfo tracks a relay manager's stake. A zero AuthorizedHubUntil means
// the authorization has no expiry.
type StakeInfo struct {
	Amount             *uint256.Int
	UnstakeDelay       time.Duration
	AuthorizedHubUntil time.Time
	authorized         bool
}

// RelayHub is the settlement engine. One mutex serializes every relayCall,
// which is what makes the single nonce check in the forwarder sufficient
// against replays.
type RelayHub struct {
	logger    *zap.Logger
	backend   Backend
	forwarder Forwarder
	fluentD   fluentstats.Stats
	nodeID    string

	minimumStake *uint256.Int

	mu         sync.Mutex
	balances   map[ethcommon.Address]*uint256.Int
	stakes     map[ethcommon.Address]*StakeInfo
	workers    map[ethcommon.Address]ethcommon.Address
	paymasters map[ethcommon.Address]Paymaster
	listeners  []func(SettlementEvent)
}

func NewRelayHub(logger *zap.Logger, backend Backend, forwarder Forwarder, opts ...HubOption) *RelayHub {
	h := &RelayHub{
		logger:       logger,
		backend:      backend,
		forwarder:    forwarder,
		fluentD:      fluentstats.NoStats{},
		minimumStake: uint256.NewInt(1),
		balances:     make(map[ethcommon.Address]*uint256.Int),
		stakes:       make(map[ethcommon.Address]*StakeInfo),
		workers:      make(map[ethcommon.Address]ethcommon.Address),
		paymasters:   make(map[ethcommon.Address]Paymaster),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Deposit credits addr's hub balance. Paymasters deposit to cover charges;
// managers accumulate earned charges in the same ledger.
func (h *RelayHub) Deposit(addr ethcommon.Address, amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credit(addr, uint256.MustFromBig(amount))
}

func (h *RelayHub) Withdraw(addr ethcommon.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.debit(addr, uint256.MustFromBig(amount))
}

func (h *RelayHub) BalanceOf(addr ethcommon.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bal, ok := h.balances[addr]; ok {
		return bal.ToBig()
	}
	return new(big.Int)
}

// StakeForManager locks amount behind manager with the given unstake delay.
// Repeated stakes accumulate.
func (h *RelayHub) StakeForManager(manager ethcommon.Address, amount *big.Int, unstakeDelay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.stakes[manager]
	if !ok {
		info = &StakeInfo{Amount: new(uint256.Int)}
		h.stakes[manager] = info
	}
	info.Amount = new(uint256.Int).Add(info.Amount, uint256.MustFromBig(amount))
	info.UnstakeDelay = unstakeDelay
}

// AuthorizeHub lets manager's workers settle through this hub. A zero until
// means no expiry.
func (h *RelayHub) AuthorizeHub(manager ethcommon.Address, until time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.stakes[manager]
	if !ok {
		return fmt.Errorf("%w: %s", ErrManagerNotStaked, manager.Hex())
	}
	info.authorized = true
	info.AuthorizedHubUntil = until
	return nil
}

func (h *RelayHub) DeauthorizeHub(manager ethcommon.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.stakes[manager]; ok {
		info.authorized = false
	}
}

// AddRelayWorkers binds worker accounts to manager. A worker can belong to
// one manager only; rebinding overwrites.
func (h *RelayHub) AddRelayWorkers(manager ethcommon.Address, workers ...ethcommon.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range workers {
		h.workers[w] = manager
	}
}

func (h *RelayHub) RegisterPaymaster(addr ethcommon.Address, pm Paymaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paymasters[addr] = pm
}

// OnSettlement registers a listener invoked after every accounted
// settlement, while the hub lock is still held.
func (h *RelayHub) OnSettlement(fn func(SettlementEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// IsManagerStaked reports whether manager holds at least the minimum stake
// and an unexpired hub authorization.
func (h *RelayHub) IsManagerStaked(manager ethcommon.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managerStaked(manager)
}

func (h *RelayHub) managerStaked(manager ethcommon.Address) bool {
	info, ok := h.stakes[manager]
	if !ok || !info.authorized {
		return false
	}
	if info.Amount.Lt(h.minimumStake) {
		return false
	}
	if !info.AuthorizedHubUntil.IsZero() && time.Now().After(info.AuthorizedHubUntil) {
		return false
	}
	return true
}

// CalculateCharge prices gasUsed under rd's fee schedule:
// gasUsed * gasPrice * (100 + pctRelayFee) / 100 + baseRelayFee.
func (h *RelayHub) CalculateCharge(gasUsed uint64, rd *common.RelayData) *big.Int {
	charge := uint256.NewInt(gasUsed)
	if rd.GasPrice != nil {
		charge.Mul(charge, uint256.MustFromBig(rd.GasPrice))
	} else {
		charge.Clear()
	}
	charge.Mul(charge, uint256.NewInt(100+rd.PctRelayFee))
	charge.Div(charge, uint256.NewInt(100))
	if rd.BaseRelayFee != nil {
		charge.Add(charge, uint256.MustFromBig(rd.BaseRelayFee))
	}
	return charge.ToBig()
}

type hubSnapshot struct {
	backend  int
	balances map[ethcommon.Address]*uint256.Int
}

// snapshot captures the backend journal position and the hub's own balance
// ledger. Balance writes always replace the stored pointer, so a shallow
// clone is a faithful copy.
func (h *RelayHub) snapshot() hubSnapshot {
	balances := make(map[ethcommon.Address]*uint256.Int, len(h.balances))
	for addr, bal := range h.balances {
		balances[addr] = bal
	}
	return hubSnapshot{backend: h.backend.Snapshot(), balances: balances}
}

func (h *RelayHub) revertTo(snap hubSnapshot) {
	h.backend.RevertToSnapshot(snap.backend)
	h.balances = snap.balances
}

func (h *RelayHub) credit(addr ethcommon.Address, amount *uint256.Int) {
	bal := h.balances[addr]
	if bal == nil {
		bal = new(uint256.Int)
	}
	h.balances[addr] = new(uint256.Int).Add(bal, amount)
}

func (h *RelayHub) debit(addr ethcommon.Address, amount *uint256.Int) error {
	bal := h.balances[addr]
	if bal == nil || bal.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, addr.Hex())
	}
	h.balances[addr] = new(uint256.Int).Sub(bal, amount)
	return nil
}

// checkPreconditions enforces the fatal rejections, in order. It takes no
// snapshot because it mutates nothing.
func (h *RelayHub) checkPreconditions(args *RelayCallArgs) (manager ethcommon.Address, err error) {
	req := args.Request
	manager, ok := h.workers[args.Worker]
	if !ok {
		return manager, fmt.Errorf("%w: %s", ErrUnknownWorker, args.Worker.Hex())
	}
	if !h.managerStaked(manager) {
		return manager, fmt.Errorf("%w: %s", ErrManagerNotStaked, manager.Hex())
	}
	if h.backend.CodeSize(args.Worker) > 0 {
		return manager, fmt.Errorf("%w: %s", ErrWorkerIsContract, args.Worker.Hex())
	}
	if args.ExternalGasLimit > h.backend.BlockGasLimit() {
		return manager, fmt.Errorf("%w: %d exceeds block gas limit %d",
			ErrImpossibleGasLimit, args.ExternalGasLimit, h.backend.BlockGasLimit())
	}
	needed := relayCallGasOverhead + req.Call.Gas + req.Call.TokenGas + relayCallGasReserve
	if args.ExternalGasLimit < needed {
		return manager, fmt.Errorf("%w: have %d, need %d", ErrInsufficientGas, args.ExternalGasLimit, needed)
	}
	if args.TxGasPrice == nil || req.RelayData.GasPrice == nil || args.TxGasPrice.Cmp(req.RelayData.GasPrice) < 0 {
		return manager, fmt.Errorf("%w: transaction pays less than the signer authorized", ErrInvalidGasPrice)
	}
	if _, ok := h.paymasters[req.RelayData.Paymaster]; !ok {
		return manager, fmt.Errorf("%w: %s", ErrUnknownPaymaster, req.RelayData.Paymaster.Hex())
	}
	maxCharge := uint256.MustFromBig(h.CalculateCharge(args.ExternalGasLimit, &req.RelayData))
	bal := h.balances[req.RelayData.Paymaster]
	if bal == nil || bal.Lt(maxCharge) {
		return manager, fmt.Errorf("%w: max possible charge %s", ErrPaymasterBalanceTooLow, maxCharge)
	}
	return manager, nil
}

// RelayCall settles one relay request. A returned error is a fatal
// rejection with no charge and no state change; a returned result is an
// accounted settlement whose Status says what happened.
func (h *RelayHub) RelayCall(ctx context.Context, args *RelayCallArgs) (*SettlementResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := args.Request
	req.Normalize()

	manager, err := h.checkPreconditions(args)
	if err != nil {
		return nil, err
	}
	pm := h.paymasters[req.RelayData.Paymaster]

	// Nonce advance lives in the forwarder, outside the snapshot below.
	// A later rollback keeps the bump, which is what prevents replays.
	if err := h.forwarder.VerifyAndAdvanceNonce(req, args.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForwarderRejected, err)
	}

	paymasterBalBefore := h.balances[req.RelayData.Paymaster].Clone()
	snap := h.snapshot()
	gasUsed := uint64(relayCallGasOverhead)

	pmCtx, err := pm.PreRelayedCall(ctx, req, args.Signature, args.ApprovalData, args.MaxAcceptanceBudget)
	gasUsed += minUint(preRelayedCallGasCost, args.MaxAcceptanceBudget)
	if err != nil {
		h.revertTo(snap)
		return h.settle(args, manager, &SettlementResult{
			Status:  StatusRejectedByPreRelayed,
			GasUsed: gasUsed,
			Reason:  err.Error(),
		}, true)
	}

	status := StatusOK
	reason := ""
	var ret []byte
	callSucceeded := true

	innerSnap := h.snapshot()
	if req.Call.IsDeploy {
		wallet, g, deployErr := h.backend.DeployAuthenticator(ctx, req.Call.From, req.Call.Gas)
		gasUsed += g
		if deployErr != nil {
			callSucceeded = false
			status = StatusRelayedCallFailed
			reason = deployErr.Error()
		} else {
			ret = wallet.Bytes()
			if reg, ok := h.forwarder.(interface {
				RegisterWallet(owner, wallet ethcommon.Address)
			}); ok {
				reg.RegisterWallet(req.Call.From, wallet)
			}
		}
	} else {
		var g uint64
		var callErr error
		ret, g, callErr = h.backend.Call(ctx, req.RelayData.Forwarder, req.Call.To, req.Call.Data, req.Call.Gas, req.Call.Value)
		gasUsed += g
		if callErr != nil {
			callSucceeded = false
			reason = callErr.Error()
			// a failure at the recipient boundary, before any recipient
			// code ran, is distinguished from a revert inside it
			if errors.Is(callErr, ErrNoContractCode) || errors.Is(callErr, ErrInsufficientBalance) {
				status = StatusRejectedByRecipientRevert
			} else {
				status = StatusRelayedCallFailed
			}
		}
	}

	if req.HasTokenPayment() {
		gasUsed += req.Call.TokenGas
		err := h.backend.TransferToken(req.Call.TokenContract, req.RelayData.Forwarder, req.Call.TokenRecipient, req.Call.PaybackTokens)
		if err != nil {
			// target effects and the token transfer roll back as one unit,
			// but the settlement itself still completes and charges
			h.revertTo(innerSnap)
			callSucceeded = false
			status = StatusRelayedTokenPaymentFailed
			reason = err.Error()
			ret = nil
		}
	}

	if err := pm.PostRelayedCall(ctx, pmCtx, callSucceeded, gasUsed, &req.RelayData); err != nil {
		h.revertTo(snap)
		return h.settle(args, manager, &SettlementResult{
			Status:  StatusPostRelayedFailed,
			Charge:  new(big.Int),
			GasUsed: gasUsed + postRelayedCallGasCost,
			Reason:  err.Error(),
		}, false)
	}
	gasUsed += postRelayedCallGasCost

	// Any balance movement not performed by the engine itself means the
	// paymaster's deposit was tampered with mid-flight.
	if cur := h.balances[req.RelayData.Paymaster]; cur == nil || !cur.Eq(paymasterBalBefore) {
		h.revertTo(snap)
		return h.settle(args, manager, &SettlementResult{
			Status:  StatusPaymasterBalanceChanged,
			Charge:  new(big.Int),
			GasUsed: gasUsed,
			Reason:  "paymaster balance changed during settlement",
		}, false)
	}

	gasUsed = minUint(gasUsed, args.ExternalGasLimit)
	return h.settle(args, manager, &SettlementResult{
		Status:      status,
		GasUsed:     gasUsed,
		ReturnValue: ret,
		Reason:      reason,
	}, true)
}

// settle applies the charge when due, fills in the result and publishes the
// settlement event. Called with the hub lock held.
func (h *RelayHub) settle(args *RelayCallArgs, manager ethcommon.Address, res *SettlementResult, charge bool) (*SettlementResult, error) {
	req := args.Request
	if charge {
		res.Charge = h.CalculateCharge(res.GasUsed, &req.RelayData)
		amount := uint256.MustFromBig(res.Charge)
		if err := h.debit(req.RelayData.Paymaster, amount); err != nil {
			// precondition 7 bounded the charge by the balance
			h.logger.Error("charge exceeds paymaster balance", zap.Error(err),
				zap.String("paymaster", req.RelayData.Paymaster.Hex()))
			return nil, err
		}
		h.credit(manager, amount)
	}
	if res.Charge == nil {
		res.Charge = new(big.Int)
	}

	event := SettlementEvent{
		Worker:      args.Worker,
		Manager:     manager,
		Paymaster:   req.RelayData.Paymaster,
		Status:      res.Status,
		Charge:      res.Charge,
		GasUsed:     res.GasUsed,
		ReturnValue: res.ReturnValue,
		Reason:      res.Reason,
	}
	for _, fn := range h.listeners {
		fn(event)
	}

	h.logger.Info("relay call settled",
		zap.String("status", res.Status.String()),
		zap.String("charge", res.Charge.String()),
		zap.String("chargeRBTC", weiToRBTC(res.Charge)),
		zap.Uint64("gasUsed", res.GasUsed),
		zap.String("worker", args.Worker.Hex()),
		zap.String("paymaster", req.RelayData.Paymaster.Hex()))
	h.fluentD.LogToFluentD(fluentstats.Record{
		Type: fluentstats.TypeRelaySettlement,
		Data: fluentstats.SettlementRecord{
			Worker:    args.Worker.Hex(),
			Paymaster: req.RelayData.Paymaster.Hex(),
			Status:    res.Status.String(),
			Charge:    res.Charge.String(),
			GasUsed:   res.GasUsed,
			Reason:    res.Reason,
		},
	}, time.Now(), h.nodeID, fluentstats.RelaySettlementLog)

	return res, nil
}

// SimulateRelayCall runs the fatal precondition checks, signature and nonce
// verification and the paymaster's acceptance hook, then rolls everything
// back. A nil return means a real RelayCall with the same arguments would
// not be rejected for free.
func (h *RelayHub) SimulateRelayCall(ctx context.Context, args *RelayCallArgs) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := args.Request
	req.Normalize()

	if _, err := h.checkPreconditions(args); err != nil {
		return err
	}
	if err := h.forwarder.Verify(req, args.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrForwarderRejected, err)
	}

	snap := h.snapshot()
	defer h.revertTo(snap)
	if _, err := h.paymasters[req.RelayData.Paymaster].PreRelayedCall(ctx, req, args.Signature, args.ApprovalData, args.MaxAcceptanceBudget); err != nil {
		return fmt.Errorf("paymaster rejected relay request: %w", err)
	}
	return nil
}
