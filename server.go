package rifrelay

import (
	"context"
	"crypto/ecdsa"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gjson "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	accept "github.com/timewasted/go-accept-headers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/patogallaiovlabs/rif-relay/common"
	"github.com/patogallaiovlabs/rif-relay/fluentstats"
)

// Server is the relay server daemon: it advertises its worker over
// GET /getaddr and turns accepted relay requests into signed settlement
// transactions over POST /relay.
type Server struct {
	logger        zerolog.Logger
	server        *http.Server
	listenAddress string

	tracer  trace.Tracer
	fluentD fluentstats.Stats
	NodeID  string

	codec          *Codec
	verifier       RelayCallVerifier
	hubAddress     ethcommon.Address
	managerAddress ethcommon.Address
	workerKey      *ecdsa.PrivateKey
	workerAddress  ethcommon.Address

	minGasPrice         *big.Int
	maxAcceptanceBudget uint64
	version             string

	ready       atomic.Bool
	workerNonce atomic.Uint64
}

func NewServer(opts ...ServerOption) *Server {
	server := &Server{
		tracer:              trace.NewNoopTracerProvider().Tracer("relayserver"),
		fluentD:             fluentstats.NoStats{},
		minGasPrice:         new(big.Int),
		maxAcceptanceBudget: defaultAcceptanceBudget,
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.workerKey != nil {
		server.workerAddress = crypto.PubkeyToAddress(server.workerKey.PublicKey)
	}
	server.ready.Store(server.workerKey != nil)
	return server
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listenAddress,
		Handler:           s.InitHandler(),
		ReadTimeout:       0,
		ReadHeaderTimeout: 0,
		WriteTimeout:      0,
		IdleTimeout:       10 * time.Second,
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) InitHandler() *chi.Mux {
	handler := chi.NewRouter()
	handler.Use(addCORS())
	handler.Get(common.PathIndex, s.HandleStatus)
	handler.Get(common.PathStatus, s.HandleStatus)
	handler.Get(common.PathGetAddr, s.HandleGetAddr)
	handler.Post(common.PathRelay, s.HandleRelay)
	s.logger.Info().Msg("Init relay server")
	return handler
}

func addCORS() func(next http.Handler) http.Handler {
	corsOpts := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}
	return cors.Handler(corsOpts)
}

func (s *Server) Stop() {
	if s.server != nil {
		_ = s.server.Shutdown(context.Background())
	}
}

// SetReady flips whether /getaddr advertises the relay as usable.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetWorkerNonce aligns the server's nonce counter with the worker
// account's pending nonce on the node.
func (s *Server) SetWorkerNonce(nonce uint64) {
	s.workerNonce.Store(nonce)
}

func (s *Server) WorkerAddress() ethcommon.Address {
	return s.workerAddress
}

// claimWorkerNonce reserves the next worker nonce if it does not exceed
// maxNonce. A rejected request must not consume a nonce, so the check
// happens before the increment.
func (s *Server) claimWorkerNonce(maxNonce uint64) (uint64, bool) {
	for {
		nonce := s.workerNonce.Load()
		if nonce > maxNonce {
			return 0, false
		}
		if s.workerNonce.CompareAndSwap(nonce, nonce+1) {
			return nonce, true
		}
	}
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "HandleStatus-start")
	defer span.End()
	span.SetAttributes(
		attribute.String("reqHost", r.Host),
		attribute.String("method", r.Method),
		attribute.String("remoteAddr", r.RemoteAddr),
		attribute.String("requestURI", r.RequestURI),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)

	s.writeSuccessResponse(w, []byte(`{}`))
}

func (s *Server) HandleGetAddr(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "HandleGetAddr-start")
	defer span.End()
	clientIP := GetIPXForwardedFor(r)
	span.SetAttributes(
		attribute.String("clientIP", clientIP),
		attribute.String("remoteAddr", r.RemoteAddr),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)

	ping := &common.PingResponse{
		RelayWorkerAddress:  s.workerAddress,
		RelayManagerAddress: s.managerAddress,
		RelayHubAddress:     s.hubAddress,
		MinGasPrice:         s.minGasPrice,
		MaxAcceptanceBudget: s.maxAcceptanceBudget,
		Ready:               s.ready.Load(),
		Version:             s.version,
	}
	out, err := gjson.Marshal(ping)
	if err != nil {
		s.writeErrorResponse(w, "failed to marshal ping response", err, http.StatusInternalServerError)
		return
	}
	s.writeSuccessResponse(w, out)
}

func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "HandleRelay-start")
	defer span.End()

	receivedAt := time.Now().UTC()
	clientIP := GetIPXForwardedFor(r)
	span.SetAttributes(
		attribute.String("clientIP", clientIP),
		attribute.String("remoteAddr", r.RemoteAddr),
		attribute.String("traceID", span.SpanContext().TraceID().String()),
	)

	if !s.ready.Load() {
		s.writeErrorResponse(w, common.ErrRelayNotReady.Error(), common.ErrRelayNotReady, http.StatusServiceUnavailable)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeErrorResponse(w, "could not read relay request", err, http.StatusInternalServerError)
		return
	}
	req := new(common.RelayTransactionRequest)
	if err := gjson.Unmarshal(bodyBytes, req); err != nil {
		s.writeErrorResponse(w, "could not decode relay request", err, http.StatusBadRequest)
		return
	}
	req.RelayRequest.Normalize()

	if err := s.screenRelayRequest(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.writeErrorResponse(w, err.Error(), err, http.StatusBadRequest)
		return
	}

	nonce, ok := s.claimWorkerNonce(req.Metadata.RelayMaxNonce)
	if !ok {
		s.writeErrorResponse(w, "worker nonce above client maximum", common.ErrRelayNotReady, http.StatusConflict)
		return
	}

	data, err := s.codec.EncodeRelayCallData(req.Metadata.MaxAcceptanceBudget, &req.RelayRequest, req.Signature, req.ApprovalData)
	if err != nil {
		s.writeErrorResponse(w, "could not encode settlement calldata", err, http.StatusInternalServerError)
		return
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(req.RelayRequest.RelayData.GasPrice),
		Gas:      SettlementGasLimit(&req.RelayRequest),
		To:       &s.hubAddress,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.codec.ChainID()), s.workerKey)
	if err != nil {
		s.writeErrorResponse(w, "could not sign settlement transaction", err, http.StatusInternalServerError)
		return
	}
	binary, err := signedTx.MarshalBinary()
	if err != nil {
		s.writeErrorResponse(w, "could not encode settlement transaction", err, http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("clientIP", clientIP).
		Str("from", req.RelayRequest.Call.From.Hex()).
		Str("to", req.RelayRequest.Call.To.Hex()).
		Str("txHash", signedTx.Hash().Hex()).
		Uint64("workerNonce", nonce).
		Msg("relay request accepted")
	s.fluentD.LogToFluentD(fluentstats.Record{
		Type: fluentstats.TypeRelayAttempt,
		Data: fluentstats.RelayAttemptRecord{
			URL:        s.listenAddress,
			Worker:     s.workerAddress.Hex(),
			DurationMS: time.Since(receivedAt).Milliseconds(),
			Succeeded:  true,
		},
	}, receivedAt, s.NodeID, fluentstats.RelayAttemptLog)

	mediaType, err := accept.Negotiate(r.Header.Get("Accept"), common.MediaTypeJSON, common.MediaTypeOctetStream)
	if err == nil && mediaType == common.MediaTypeOctetStream {
		w.Header().Set(common.HeaderContentType, common.MediaTypeOctetStream)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(binary)
		return
	}
	out, err := gjson.Marshal(&common.RelayServerResponse{SignedTx: binary})
	if err != nil {
		s.writeErrorResponse(w, "could not marshal relay response", err, http.StatusInternalServerError)
		return
	}
	s.writeSuccessResponse(w, out)
}

// screenRelayRequest rejects requests this relay would lose money on
// before any transaction is signed.
func (s *Server) screenRelayRequest(ctx context.Context, req *common.RelayTransactionRequest) error {
	if req.Metadata.RelayHubAddress != s.hubAddress {
		return toErrorResp(http.StatusBadRequest, "unknown relay hub "+req.Metadata.RelayHubAddress.Hex())
	}
	if req.RelayRequest.RelayData.RelayWorker != s.workerAddress {
		return toErrorResp(http.StatusBadRequest, "relay request pins a different worker")
	}
	if req.RelayRequest.RelayData.GasPrice.Cmp(s.minGasPrice) < 0 {
		return toErrorResp(http.StatusBadRequest, "gas price below relay minimum "+s.minGasPrice.String())
	}
	if req.Metadata.MaxAcceptanceBudget > s.maxAcceptanceBudget {
		return toErrorResp(http.StatusBadRequest, "acceptance budget above relay maximum")
	}
	if s.verifier != nil {
		err := s.verifier.SimulateRelayCall(ctx, &RelayCallArgs{
			Worker:              s.workerAddress,
			MaxAcceptanceBudget: req.Metadata.MaxAcceptanceBudget,
			Request:             &req.RelayRequest,
			Signature:           req.Signature,
			ApprovalData:        req.ApprovalData,
			ExternalGasLimit:    SettlementGasLimit(&req.RelayRequest),
			TxGasPrice:          req.RelayRequest.RelayData.GasPrice,
		})
		if err != nil {
			return toErrorResp(http.StatusBadRequest, "relay call would revert: "+err.Error())
		}
	}
	return nil
}

func (s *Server) writeSuccessResponse(w http.ResponseWriter, resp []byte) {
	w.Header().Set(common.HeaderContentType, common.MediaTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, err error, statusCode int) {
	s.logger.Warn().Err(err).Msg(message)
	w.Header().Set(common.HeaderContentType, common.MediaTypeJSON)
	w.WriteHeader(statusCode)
	_ = gjson.NewEncoder(w).Encode(toErrorResp(statusCode, message))
}
