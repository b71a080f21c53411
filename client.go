package rifrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/valyala/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patogallaiovlabs/rif-relay/common"
	"github.com/patogallaiovlabs/rif-relay/fluentstats"
	"github.com/patogallaiovlabs/rif-relay/httpclient"
)

var (
	ErrValidationFailed = errors.New("relay transaction validation failed")
	ErrNoRelayAvailable = errors.New("no relay server produced a valid transaction")
)

// key under which hook failures land in the relaying error map; hook
// errors happen before any relay server is contacted
const localErrorKey = "local"

const (
	defaultPingTimeout      = 3 * time.Second
	defaultRelayTimeout     = 30 * time.Second
	defaultGasPriceFactor   = 110 // percent of the oracle price
	defaultRelayNonceGap    = 3
	defaultAcceptanceBudget = 150_000
)

// NodeClient is the subset of an RPC node client the orchestrator needs.
// *ethclient.Client satisfies it.
type NodeClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
}

// RelayCallVerifier dry-runs a settlement before any relay is paid to
// submit it. The settlement engine implements it.
type RelayCallVerifier interface {
	SimulateRelayCall(ctx context.Context, args *RelayCallArgs) error
}

// DataHook populates an opaque request field right before signing. An
// error from either hook aborts the whole relayTransaction attempt.
type DataHook func(ctx context.Context, req *common.RelayRequest) ([]byte, error)

// TransactionDetails is the caller-facing input of one relayTransaction.
type TransactionDetails struct {
	From           ethcommon.Address
	To             ethcommon.Address
	Data           hexutil.Bytes
	Value          *big.Int
	Gas            uint64
	ForceGasPrice  *big.Int
	TokenRecipient ethcommon.Address
	TokenContract  ethcommon.Address
	PaybackTokens  *big.Int
	TokenGas       uint64
	IsDeploy       bool
}

// ErrorMap is an insertion-ordered map of URL to error, so callers can
// replay the exact candidate sequence that was attempted.
type ErrorMap struct {
	keys []string
	m    map[string]error
}

func NewErrorMap() *ErrorMap {
	return &ErrorMap{m: make(map[string]error)}
}

func (e *ErrorMap) Add(url string, err error) {
	if _, ok := e.m[url]; !ok {
		e.keys = append(e.keys, url)
	}
	e.m[url] = err
}

func (e *ErrorMap) Get(url string) (error, bool) {
	err, ok := e.m[url]
	return err, ok
}

func (e *ErrorMap) Len() int {
	return len(e.keys)
}

func (e *ErrorMap) Keys() []string {
	return append([]string(nil), e.keys...)
}

func (e *ErrorMap) Range(fn func(url string, err error) bool) {
	for _, k := range e.keys {
		if !fn(k, e.m[k]) {
			return
		}
	}
}

// RelayingResult is the outcome of one relayTransaction: either a fully
// validated transaction or the complete error maps gathered on the way.
type RelayingResult struct {
	Transaction    *types.Transaction
	PingErrors     *ErrorMap
	RelayingErrors *ErrorMap
}

// RelayClient is the relay orchestrator: it ranks candidate relay servers,
// probes them one at a time and returns the first validated transaction.
// Candidates are never tried in parallel; a signed request is bound to one
// nonce and racing two relays would waste one relay's gas.
type RelayClient struct {
	logger  *zap.Logger
	tracer  trace.Tracer
	fluentD fluentstats.Stats
	nodeID  string

	codec     *Codec
	signer    RequestSigner
	registry  *KnownRelaysRegistry
	verifier  RelayCallVerifier
	node      NodeClient
	forwarder Forwarder

	hubAddress       ethcommon.Address
	forwarderAddress ethcommon.Address
	paymasterAddress ethcommon.Address
	pctRelayFee      uint64
	baseRelayFee     *big.Int
	clientID         *big.Int
	minGasPrice      *big.Int
	gasPriceFactor   uint64
	versionPrefix    string
	relayNonceGap    uint64

	pingTimeout  time.Duration
	relayTimeout time.Duration

	asyncApprovalData  DataHook
	asyncPaymasterData DataHook

	mu        sync.Mutex
	listeners []RelayEventListener
}

func NewRelayClient(logger *zap.Logger, codec *Codec, signer RequestSigner, registry *KnownRelaysRegistry, opts ...ClientOption) *RelayClient {
	c := &RelayClient{
		logger:         logger,
		tracer:         trace.NewNoopTracerProvider().Tracer("relayclient"),
		fluentD:        fluentstats.NoStats{},
		codec:          codec,
		signer:         signer,
		registry:       registry,
		baseRelayFee:   new(big.Int),
		clientID:       new(big.Int),
		minGasPrice:    new(big.Int),
		gasPriceFactor: defaultGasPriceFactor,
		relayNonceGap:  defaultRelayNonceGap,
		pingTimeout:    defaultPingTimeout,
		relayTimeout:   defaultRelayTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterEventListener adds a progress listener. It takes effect on the
// next RelayTransaction call, never mid-flight.
func (c *RelayClient) RegisterEventListener(fn RelayEventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SettlementGasLimit is the gas a worker must attach to carry the request
// through settlement.
func SettlementGasLimit(req *common.RelayRequest) uint64 {
	return relayCallGasOverhead + req.Call.Gas + req.Call.TokenGas + relayCallGasReserve
}

// RelayTransaction tries ranked relay candidates sequentially and returns
// the first validated signed transaction, or the full error maps when all
// candidates are exhausted. The returned error is reserved for failures
// before any candidate could be tried.
func (c *RelayClient) RelayTransaction(ctx context.Context, details *TransactionDetails) (*RelayingResult, error) {
	ctx, span := c.tracer.Start(ctx, "RelayClient.RelayTransaction")
	defer span.End()

	lm := NewLogMetric(
		[]zap.Field{zap.String("from", details.From.Hex()), zap.String("to", details.To.Hex())},
		[]attribute.KeyValue{attribute.String("from", details.From.Hex()), attribute.String("to", details.To.Hex())},
	)

	result := &RelayingResult{
		PingErrors:     NewErrorMap(),
		RelayingErrors: NewErrorMap(),
	}

	c.mu.Lock()
	listeners := append([]RelayEventListener(nil), c.listeners...)
	c.mu.Unlock()

	gasPrice, err := c.resolveGasPrice(ctx, details.ForceGasPrice)
	if err != nil {
		return nil, err
	}
	lm.String("gasPrice", gasPrice.String())

	req := c.buildRelayRequest(details, gasPrice)

	if err := c.applyDataHooks(ctx, req); err != nil {
		// hook failures abort before any request leaves the process
		result.RelayingErrors.Add(localErrorKey, err)
		c.logger.Warn("relay data hook failed", append(lm.GetFields(), zap.Error(err))...)
		return result, nil
	}
	approvalData := req.ApprovalData()

	relays := c.registry.GetRelaysSortedForTransaction(req.RelayRequest)
	emitter := &eventEmitter{listeners: listeners, total: 5 + len(relays)}
	emitter.emit(EventInit)
	emitter.emit(EventGasPrice)
	emitter.emit(EventDataHooks)
	emitter.emit(EventRelaysFetched)
	lm.Int64("candidates", int64(len(relays)))

	for _, info := range relays {
		emitter.emit(EventNextRelay)

		ping, pingErr := c.pingRelay(ctx, info)
		if pingErr != nil {
			result.PingErrors.Add(info.URL, pingErr)
			if isTimeoutError(pingErr) {
				c.registry.SaveRelayFailure(time.Now(), info.Manager, info.URL)
			}
			continue
		}
		if compatErr := c.checkCompatibility(ping, gasPrice); compatErr != nil {
			result.PingErrors.Add(info.URL, compatErr)
			continue
		}

		tx, attemptErr := c.attemptRelay(ctx, info, ping, req, approvalData, gasPrice)
		if attemptErr != nil {
			result.RelayingErrors.Add(info.URL, attemptErr)
			if isTimeoutError(attemptErr) {
				c.registry.SaveRelayFailure(time.Now(), info.Manager, info.URL)
			}
			continue
		}

		emitter.emit(EventTransactionOK)
		result.Transaction = tx
		span.SetAttributes(lm.GetAttributes()...)
		c.logger.Info("relay transaction validated",
			append(lm.GetFields(), zap.String("relayURL", info.URL), zap.String("txHash", tx.Hash().Hex()))...)
		return result, nil
	}

	emitter.emit(EventRelaysExhausted)
	span.SetAttributes(lm.GetAttributes()...)
	c.logger.Warn("all relay candidates exhausted",
		append(lm.GetFields(),
			zap.Int("pingErrors", result.PingErrors.Len()),
			zap.Int("relayingErrors", result.RelayingErrors.Len()))...)
	return result, nil
}

func (c *RelayClient) resolveGasPrice(ctx context.Context, forced *big.Int) (*big.Int, error) {
	if forced != nil && forced.Sign() > 0 {
		return new(big.Int).Set(forced), nil
	}
	if c.node == nil {
		if c.minGasPrice.Sign() > 0 {
			return new(big.Int).Set(c.minGasPrice), nil
		}
		return nil, errors.New("no gas price source configured")
	}
	suggested, err := c.node.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not fetch network gas price: %w", err)
	}
	price := new(big.Int).Mul(suggested, new(big.Int).SetUint64(c.gasPriceFactor))
	price.Div(price, big.NewInt(100))
	if price.Cmp(c.minGasPrice) < 0 {
		price.Set(c.minGasPrice)
	}
	return price, nil
}

func (c *RelayClient) buildRelayRequest(details *TransactionDetails, gasPrice *big.Int) *clientRequest {
	req := &common.RelayRequest{
		Call: common.Call{
			From:           details.From,
			To:             details.To,
			Value:          details.Value,
			Gas:            details.Gas,
			Nonce:          0,
			Data:           details.Data,
			TokenRecipient: details.TokenRecipient,
			TokenContract:  details.TokenContract,
			PaybackTokens:  details.PaybackTokens,
			TokenGas:       details.TokenGas,
			IsDeploy:       details.IsDeploy,
		},
		RelayData: common.RelayData{
			GasPrice:     gasPrice,
			PctRelayFee:  c.pctRelayFee,
			BaseRelayFee: new(big.Int).Set(c.baseRelayFee),
			Paymaster:    c.paymasterAddress,
			Forwarder:    c.forwarderAddress,
			ClientID:     new(big.Int).Set(c.clientID),
		},
	}
	if c.forwarder != nil {
		req.Call.Nonce = c.forwarder.CurrentNonce(details.From)
	}
	req.Normalize()
	return &clientRequest{RelayRequest: req}
}

// clientRequest carries the base request plus the hook outputs that ride
// outside the signed payload.
type clientRequest struct {
	*common.RelayRequest
	approvalData []byte
}

func (r *clientRequest) ApprovalData() []byte { return r.approvalData }

func (c *RelayClient) applyDataHooks(ctx context.Context, req *clientRequest) error {
	if c.asyncApprovalData != nil {
		data, err := c.asyncApprovalData(ctx, req.RelayRequest)
		if err != nil {
			return fmt.Errorf("approval data hook: %w", err)
		}
		req.approvalData = data
	}
	if c.asyncPaymasterData != nil {
		data, err := c.asyncPaymasterData(ctx, req.RelayRequest)
		if err != nil {
			return fmt.Errorf("paymaster data hook: %w", err)
		}
		req.RelayData.PaymasterData = data
	}
	return nil
}

// pingRelay probes one candidate with the short timeout. The response is
// parsed with fastjson so a malformed or slow-trickling body costs as
// little as possible.
func (c *RelayClient) pingRelay(ctx context.Context, info *RelayInfo) (*common.PingResponse, error) {
	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	start := time.Now()
	body, code, durationMS, err := httpclient.FetchRaw(pingCtx, "GET", info.URL+common.PathGetAddr, nil, nil)
	record := fluentstats.PingRecord{URL: info.URL, DurationMS: durationMS}
	if err == nil {
		var ping *common.PingResponse
		ping, err = parsePingResponse(body)
		if err == nil {
			record.Worker = ping.RelayWorkerAddress.Hex()
			record.Succeeded = true
			c.registry.SaveRelayPing(info.Manager, info.URL, durationMS)
			c.fluentD.LogToFluentD(fluentstats.Record{Type: fluentstats.TypeRelayPing, Data: record},
				start, c.nodeID, fluentstats.RelayPingLog)
			return ping, nil
		}
	}
	record.Reason = err.Error()
	c.fluentD.LogToFluentD(fluentstats.Record{Type: fluentstats.TypeRelayPing, Data: record},
		start, c.nodeID, fluentstats.RelayPingLog)
	c.logger.Debug("relay ping failed",
		zap.String("url", info.URL), zap.Int("code", code), zap.Error(err))
	return nil, err
}

func parsePingResponse(body []byte) (*common.PingResponse, error) {
	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("malformed ping response: %w", err)
	}
	ping := &common.PingResponse{
		RelayWorkerAddress:  ethcommon.HexToAddress(string(v.GetStringBytes("relayWorkerAddress"))),
		RelayManagerAddress: ethcommon.HexToAddress(string(v.GetStringBytes("relayManagerAddress"))),
		RelayHubAddress:     ethcommon.HexToAddress(string(v.GetStringBytes("relayHubAddress"))),
		MaxAcceptanceBudget: v.GetUint64("maxAcceptanceBudget"),
		Ready:               v.GetBool("ready"),
		Version:             string(v.GetStringBytes("version")),
	}
	if raw := v.Get("minGasPrice"); raw != nil {
		price, ok := new(big.Int).SetString(raw.String(), 10)
		if !ok {
			return nil, fmt.Errorf("malformed ping response: bad minGasPrice %s", raw.String())
		}
		ping.MinGasPrice = price
	}
	if (ping.RelayWorkerAddress == ethcommon.Address{}) {
		return nil, common.ErrMissingWorker
	}
	return ping, nil
}

func (c *RelayClient) checkCompatibility(ping *common.PingResponse, gasPrice *big.Int) error {
	if !ping.Ready {
		return common.ErrRelayNotReady
	}
	if c.versionPrefix != "" && !strings.HasPrefix(ping.Version, c.versionPrefix) {
		return fmt.Errorf("incompatible relay version %q", ping.Version)
	}
	if ping.MinGasPrice != nil && ping.MinGasPrice.Cmp(gasPrice) > 0 {
		return fmt.Errorf("relay minGasPrice %s above offered gas price %s", ping.MinGasPrice, gasPrice)
	}
	if (c.hubAddress != ethcommon.Address{}) && ping.RelayHubAddress != c.hubAddress {
		return fmt.Errorf("relay serves hub %s, expected %s", ping.RelayHubAddress.Hex(), c.hubAddress.Hex())
	}
	return nil
}

// attemptRelay signs a per-candidate variant of the request, dry-runs it
// against the settlement engine and submits it to the relay server. The
// request is signed per candidate because RelayData pins the worker address
// the ping advertised.
func (c *RelayClient) attemptRelay(ctx context.Context, info *RelayInfo, ping *common.PingResponse, base *clientRequest, approvalData []byte, gasPrice *big.Int) (*types.Transaction, error) {
	req := base.Copy()
	req.RelayData.RelayWorker = ping.RelayWorkerAddress

	sig, err := c.signer.SignRelayRequest(req)
	if err != nil {
		return nil, fmt.Errorf("could not sign relay request: %w", err)
	}

	relayMaxNonce := ^uint64(0)
	if c.node != nil {
		workerNonce, err := c.node.PendingNonceAt(ctx, ping.RelayWorkerAddress)
		if err != nil {
			return nil, fmt.Errorf("could not fetch worker nonce: %w", err)
		}
		relayMaxNonce = workerNonce + c.relayNonceGap
	}

	budget := ping.MaxAcceptanceBudget
	if budget == 0 {
		budget = defaultAcceptanceBudget
	}

	if c.verifier != nil {
		simErr := c.verifier.SimulateRelayCall(ctx, &RelayCallArgs{
			Worker:              ping.RelayWorkerAddress,
			MaxAcceptanceBudget: budget,
			Request:             req,
			Signature:           sig,
			ApprovalData:        approvalData,
			ExternalGasLimit:    SettlementGasLimit(req),
			TxGasPrice:          gasPrice,
		})
		if simErr != nil {
			return nil, fmt.Errorf("local view call reverted: %w", simErr)
		}
	}

	payload := &common.RelayTransactionRequest{
		RelayRequest: *req,
		Signature:    sig,
		ApprovalData: approvalData,
		Metadata: common.RelayMetadata{
			RelayHubAddress:     c.hubAddress,
			RelayMaxNonce:       relayMaxNonce,
			MaxAcceptanceBudget: budget,
		},
	}

	relayCtx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()

	start := time.Now()
	var resp common.RelayServerResponse
	code, durationMS, err := httpclient.Fetch(relayCtx, "POST", info.URL+common.PathRelay, payload, &resp, nil)
	record := fluentstats.RelayAttemptRecord{
		URL:        info.URL,
		Worker:     ping.RelayWorkerAddress.Hex(),
		DurationMS: durationMS,
	}
	if err != nil {
		record.Reason = err.Error()
		c.fluentD.LogToFluentD(fluentstats.Record{Type: fluentstats.TypeRelayAttempt, Data: record},
			start, c.nodeID, fluentstats.RelayAttemptLog)
		c.logger.Debug("relay request failed",
			zap.String("url", info.URL), zap.Int("code", code), zap.Error(err))
		return nil, err
	}
	if resp.Error != "" {
		record.Reason = resp.Error
		c.fluentD.LogToFluentD(fluentstats.Record{Type: fluentstats.TypeRelayAttempt, Data: record},
			start, c.nodeID, fluentstats.RelayAttemptLog)
		return nil, fmt.Errorf("relay rejected request: %s", resp.Error)
	}

	tx, err := c.validateRelayResponse(resp.SignedTx, req, sig, approvalData, budget, relayMaxNonce, ping.RelayWorkerAddress)
	record.Succeeded = err == nil
	if err != nil {
		record.Reason = err.Error()
	}
	c.fluentD.LogToFluentD(fluentstats.Record{Type: fluentstats.TypeRelayAttempt, Data: record},
		start, c.nodeID, fluentstats.RelayAttemptLog)
	return tx, err
}

// validateRelayResponse rejects any transaction the relay could use to
// cheat: wrong destination, tampered calldata, inflated gas price, a nonce
// far in the future or a signer other than the advertised worker.
func (c *RelayClient) validateRelayResponse(signedTx hexutil.Bytes, req *common.RelayRequest, sig, approvalData []byte, budget, relayMaxNonce uint64, worker ethcommon.Address) (*types.Transaction, error) {
	if len(signedTx) == 0 {
		return nil, fmt.Errorf("%w: empty signed transaction", ErrValidationFailed)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signedTx); err != nil {
		return nil, fmt.Errorf("%w: undecodable transaction: %v", ErrValidationFailed, err)
	}
	if tx.To() == nil || *tx.To() != c.hubAddress {
		return nil, fmt.Errorf("%w: transaction destination is not the relay hub", ErrValidationFailed)
	}
	expectedData, err := c.codec.EncodeRelayCallData(budget, req, sig, approvalData)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tx.Data(), expectedData) {
		return nil, fmt.Errorf("%w: transaction calldata does not match the signed request", ErrValidationFailed)
	}
	if tx.GasPrice().Cmp(req.RelayData.GasPrice) < 0 {
		return nil, fmt.Errorf("%w: transaction gas price below the requested price", ErrValidationFailed)
	}
	if tx.Nonce() > relayMaxNonce {
		return nil, fmt.Errorf("%w: transaction nonce %d above allowed maximum %d", ErrValidationFailed, tx.Nonce(), relayMaxNonce)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.codec.ChainID()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecoverable transaction signer: %v", ErrValidationFailed, err)
	}
	if sender != worker {
		return nil, fmt.Errorf("%w: transaction signed by %s, expected worker %s", ErrValidationFailed, sender.Hex(), worker.Hex())
	}
	return tx, nil
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout")
}
