package rifrelay

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patogallaiovlabs/rif-relay/common"
)

type serverFixture struct {
	server    *Server
	http      *httptest.Server
	codec     *Codec
	workerKey *ecdsa.PrivateKey
	senderKey *ecdsa.PrivateKey
}

func newServerFixture(t *testing.T, opts ...ServerOption) *serverFixture {
	t.Helper()
	workerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	senderKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	codec := NewCodec(big.NewInt(testChainID))
	serverOpts := append([]ServerOption{
		ServerCodec(codec),
		ServerHubAddress(testHubAddress),
		ServerManagerAddress(testManagerAddress),
		ServerWorkerKey(workerKey),
		ServerMinGasPrice(big.NewInt(testGasPrice)),
		ServerVersion("2.0.1+enveloping.go"),
	}, opts...)
	srv := NewServer(serverOpts...)

	ts := httptest.NewServer(srv.InitHandler())
	t.Cleanup(ts.Close)

	return &serverFixture{
		server:    srv,
		http:      ts,
		codec:     codec,
		workerKey: workerKey,
		senderKey: senderKey,
	}
}

func (f *serverFixture) relayRequest(t *testing.T) *common.RelayTransactionRequest {
	t.Helper()
	sender := crypto.PubkeyToAddress(f.senderKey.PublicKey)
	req := &common.RelayRequest{
		Call: common.Call{
			From: sender,
			To:   testTargetAddress,
			Gas:  100_000,
			Data: []byte{0xde, 0xad},
		},
		RelayData: common.RelayData{
			GasPrice:    big.NewInt(testGasPrice),
			RelayWorker: f.server.WorkerAddress(),
			Paymaster:   testPaymasterAddress,
			Forwarder:   testForwarderAddress,
		},
	}
	req.Normalize()
	sig, err := f.codec.Sign(req, f.senderKey)
	require.NoError(t, err)

	return &common.RelayTransactionRequest{
		RelayRequest: *req,
		Signature:    sig,
		Metadata: common.RelayMetadata{
			RelayHubAddress:     testHubAddress,
			RelayMaxNonce:       10,
			MaxAcceptanceBudget: defaultAcceptanceBudget,
		},
	}
}

func (f *serverFixture) postRelay(t *testing.T, payload *common.RelayTransactionRequest, acceptHeader string) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, f.http.URL+common.PathRelay, bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set(common.HeaderContentType, common.MediaTypeJSON)
	if acceptHeader != "" {
		httpReq.Header.Set("Accept", acceptHeader)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErrorResp(t *testing.T, body io.Reader) *ErrorResp {
	t.Helper()
	var e ErrorResp
	require.NoError(t, json.NewDecoder(body).Decode(&e))
	return &e
}

func TestServerGetAddr(t *testing.T) {
	fix := newServerFixture(t)

	resp, err := http.Get(fix.http.URL + common.PathGetAddr)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, common.MediaTypeJSON, resp.Header.Get(common.HeaderContentType))

	var ping common.PingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ping))
	assert.Equal(t, fix.server.WorkerAddress(), ping.RelayWorkerAddress)
	assert.Equal(t, testManagerAddress, ping.RelayManagerAddress)
	assert.Equal(t, testHubAddress, ping.RelayHubAddress)
	assert.True(t, ping.Ready)
	assert.Equal(t, "2.0.1+enveloping.go", ping.Version)
	assert.Equal(t, uint64(defaultAcceptanceBudget), ping.MaxAcceptanceBudget)
}

func TestServerStatus(t *testing.T) {
	fix := newServerFixture(t)

	for _, path := range []string{common.PathIndex, common.PathStatus} {
		resp, err := http.Get(fix.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestServerRelaySignsSettlementTransaction(t *testing.T) {
	fix := newServerFixture(t)
	payload := fix.relayRequest(t)

	resp := fix.postRelay(t, payload, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out common.RelayServerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Empty(t, out.Error)
	require.NotEmpty(t, out.SignedTx)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(out.SignedTx))
	assert.Equal(t, testHubAddress, *tx.To())
	assert.Equal(t, SettlementGasLimit(&payload.RelayRequest), tx.Gas())
	assert.Zero(t, tx.GasPrice().Cmp(payload.RelayRequest.RelayData.GasPrice))

	expectedData, err := fix.codec.EncodeRelayCallData(
		payload.Metadata.MaxAcceptanceBudget, &payload.RelayRequest, payload.Signature, payload.ApprovalData)
	require.NoError(t, err)
	assert.Equal(t, expectedData, []byte(tx.Data()))

	signer, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, fix.server.WorkerAddress(), signer)
}

func TestServerRelayOctetStreamNegotiation(t *testing.T) {
	fix := newServerFixture(t)
	payload := fix.relayRequest(t)

	resp := fix.postRelay(t, payload, common.MediaTypeOctetStream)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, common.MediaTypeOctetStream, resp.Header.Get(common.HeaderContentType))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, testHubAddress, *tx.To())
}

func TestServerRelayAdvancesWorkerNonce(t *testing.T) {
	fix := newServerFixture(t)
	fix.server.SetWorkerNonce(5)

	resp := fix.postRelay(t, fix.relayRequest(t), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out common.RelayServerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(out.SignedTx))
	assert.Equal(t, uint64(5), tx.Nonce())

	resp = fix.postRelay(t, fix.relayRequest(t), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NoError(t, tx.UnmarshalBinary(out.SignedTx))
	assert.Equal(t, uint64(6), tx.Nonce())
}

func TestServerRelayRejectsNonceAboveClientMaximum(t *testing.T) {
	fix := newServerFixture(t)
	fix.server.SetWorkerNonce(50)

	payload := fix.relayRequest(t)
	payload.Metadata.RelayMaxNonce = 10

	resp := fix.postRelay(t, payload, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	e := decodeErrorResp(t, resp.Body)
	assert.Contains(t, e.Message, "worker nonce above client maximum")

	// the rejection must not consume a nonce: the next accepted request
	// still signs with nonce 50
	payload = fix.relayRequest(t)
	payload.Metadata.RelayMaxNonce = 100
	resp = fix.postRelay(t, payload, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out common.RelayServerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(out.SignedTx))
	assert.Equal(t, uint64(50), tx.Nonce())
}

func TestServerRelayRejections(t *testing.T) {
	tests := map[string]struct {
		mutate      func(payload *common.RelayTransactionRequest, fix *serverFixture)
		wantMessage string
	}{
		"wrong hub": {
			mutate: func(payload *common.RelayTransactionRequest, fix *serverFixture) {
				payload.Metadata.RelayHubAddress = ethcommon.HexToAddress("0x01")
			},
			wantMessage: "unknown relay hub",
		},
		"wrong worker": {
			mutate: func(payload *common.RelayTransactionRequest, fix *serverFixture) {
				payload.RelayRequest.RelayData.RelayWorker = ethcommon.HexToAddress("0x01")
			},
			wantMessage: "relay request pins a different worker",
		},
		"gas price below minimum": {
			mutate: func(payload *common.RelayTransactionRequest, fix *serverFixture) {
				payload.RelayRequest.RelayData.GasPrice = big.NewInt(testGasPrice - 1)
			},
			wantMessage: "gas price below relay minimum",
		},
		"budget above maximum": {
			mutate: func(payload *common.RelayTransactionRequest, fix *serverFixture) {
				payload.Metadata.MaxAcceptanceBudget = defaultAcceptanceBudget + 1
			},
			wantMessage: "acceptance budget above relay maximum",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fix := newServerFixture(t)
			payload := fix.relayRequest(t)
			tc.mutate(payload, fix)

			resp := fix.postRelay(t, payload, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			e := decodeErrorResp(t, resp.Body)
			assert.Equal(t, http.StatusBadRequest, e.Code)
			assert.Contains(t, e.Message, tc.wantMessage)
		})
	}
}

func TestServerRelayNotReady(t *testing.T) {
	fix := newServerFixture(t)
	fix.server.SetReady(false)

	resp := fix.postRelay(t, fix.relayRequest(t), "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerRelayDryRunRejection(t *testing.T) {
	fix := newServerFixture(t)

	// wire a settlement engine that knows nothing about this worker, so
	// the dry run rejects every request
	backend := NewMemBackend(testBlockGasLimit, testFactoryAddress)
	forwarder := NewSmartWalletRegistry(testForwarderAddress, big.NewInt(testChainID))
	hub := NewRelayHub(zap.NewNop(), backend, forwarder)
	fix.server.verifier = hub

	resp := fix.postRelay(t, fix.relayRequest(t), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeErrorResp(t, resp.Body)
	assert.Contains(t, e.Message, "relay call would revert")
}

func TestServerRelayMalformedBody(t *testing.T) {
	fix := newServerFixture(t)

	resp, err := http.Post(fix.http.URL+common.PathRelay, common.MediaTypeJSON, bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
