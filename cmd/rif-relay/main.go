package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/uptrace-go/uptrace"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	rifrelay "github.com/patogallaiovlabs/rif-relay"
	"github.com/patogallaiovlabs/rif-relay/common"
	"github.com/patogallaiovlabs/rif-relay/fluentstats"
)

const (
	defaultBufferLimit = 32 * 1024
	tag                = "rif.relay.go.log"
	messageField       = "msg"
	timestampFormat    = "2006-01-02T15:04:05.000Z07:00"

	defaultBlockGasLimit = 6_800_000
)

var (
	// Included in the build process
	_BuildVersion string
	_AppName      = ""

	defaultListenAddr = getEnv("RIF_RELAY_LISTEN_ADDR", "localhost:8090")

	configPath     = flag.String("config", "", "path to a YAML config file")
	listenAddr     = flag.String("addr", defaultListenAddr, "relay server listening address")
	network        = flag.String("network", common.NetworkRegtest, "which network to use")
	nodeID         = flag.String("node-id", fmt.Sprintf("rif-relay-%v", uuid.New().String()), "unique identifier for the node")
	uptraceDSN     = flag.String("uptrace-dsn", "", "uptrace URL")
	fluentDHost    = flag.String("fluentd-host", "", "fluentd host")
	workerKeyHex   = flag.String("worker-key", "", "relay worker private key, hex encoded")
	managerAddr    = flag.String("manager", "", "relay manager address")
	minGasPriceStr = flag.String("min-gas-price", "0", "minimum gas price the relay accepts, in wei")
	pctRelayFee    = flag.Uint64("pct-relay-fee", 0, "percentage relay fee")
	baseRelayFee   = flag.String("base-relay-fee", "0", "flat relay fee in wei")
	maxBudget      = flag.Uint64("max-acceptance-budget", 150000, "maximum acceptance budget offered to paymasters")
	sponsorAddr    = flag.String("sponsor", "", "paymaster address registered with an accept-all policy and a funded deposit")
)

func main() {
	flag.Parse()

	l := newLogger(_AppName, _BuildVersion)

	cfg := rifrelay.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = rifrelay.LoadConfig(*configPath)
		if err != nil {
			l.Fatal("failed to load config", zap.Error(err))
		}
	}
	cfg.Network = *network
	cfg.ListenAddress = *listenAddr

	var fluentLogger *fluent.Fluent
	if *fluentDHost != "" {
		host, port, err := net.SplitHostPort(*fluentDHost)
		if err != nil {
			l.Fatal("error parsing fluentd host", zap.Error(err))
		}
		portInt, err := strconv.Atoi(port)
		if err != nil {
			l.Fatal("error parsing fluentd port", zap.Error(err))
		}
		fluentLogger, err = fluent.New(fluent.Config{
			FluentHost:    host,
			FluentPort:    portInt,
			MarshalAsJSON: true,
			Async:         true,
			BufferLimit:   defaultBufferLimit,
		})
		if err != nil {
			l.Fatal("failed to create fluentd logger", zap.Error(err))
		}
		l = l.WithOptions(zap.Hooks(func(entry zapcore.Entry) error {
			return fluentLogger.EncodeAndPostData(tag, time.Now(), map[string]string{messageField: entry.Message, "level": entry.Level.String(), "instance": *nodeID, "timestamp": time.Now().Format(timestampFormat)})
		}))
	}

	defer func() {
		if err := l.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing log: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	// Configure OpenTelemetry with sensible defaults.
	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(*uptraceDSN),

		uptrace.WithServiceName(_AppName),
		uptrace.WithServiceVersion(_BuildVersion),
		uptrace.WithDeploymentEnvironment(*nodeID),
	)
	// Send buffered spans and free resources.
	defer func() {
		ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := uptrace.Shutdown(ctxWithTimeout); err != nil {
			l.Error("failed to shutdown uptrace", zap.Error(err))
		}
	}()

	fluentD := fluentstats.NewStats(*fluentDHost != "", *fluentDHost)

	networkDetails, err := common.NewNetworkDetails(*network)
	if err != nil {
		l.Fatal("failed to resolve network", zap.Error(err))
	}

	minGasPrice, ok := new(big.Int).SetString(*minGasPriceStr, 10)
	if !ok {
		l.Fatal("invalid min gas price", zap.String("minGasPrice", *minGasPriceStr))
	}
	if *workerKeyHex == "" {
		l.Fatal("worker key is required")
	}
	workerKey, err := crypto.HexToECDSA(strings.TrimPrefix(*workerKeyHex, "0x"))
	if err != nil {
		l.Fatal("could not decode worker key", zap.Error(err))
	}
	workerAddress := crypto.PubkeyToAddress(workerKey.PublicKey)
	managerAddress := workerAddress
	if *managerAddr != "" {
		managerAddress = ethcommon.HexToAddress(*managerAddr)
	}
	baseFee, ok := new(big.Int).SetString(*baseRelayFee, 10)
	if !ok {
		l.Fatal("invalid base relay fee", zap.String("baseRelayFee", *baseRelayFee))
	}

	l.Info("Starting rif-relay server",
		zap.String("listenAddr", *listenAddr),
		zap.String("uptraceDSN", *uptraceDSN),
		zap.String("nodeID", *nodeID),
		zap.String("network", networkDetails.String()),
		zap.String("worker", workerAddress.Hex()),
		zap.String("manager", managerAddress.Hex()),
		zap.String("minGasPrice", minGasPrice.String()),
		zap.Uint64("pctRelayFee", *pctRelayFee),
		zap.String("baseRelayFee", baseFee.String()),
		zap.String("fluentdHost", *fluentDHost),
	)

	codec := rifrelay.NewCodec(networkDetails.ChainID)
	forwarder := rifrelay.NewSmartWalletRegistry(networkDetails.WalletFactory, networkDetails.ChainID)
	backend := rifrelay.NewMemBackend(defaultBlockGasLimit, networkDetails.WalletFactory)
	hub := rifrelay.NewRelayHub(l, backend, forwarder,
		rifrelay.HubFluentD(fluentD, *nodeID))
	hub.StakeForManager(managerAddress, big.NewInt(params.Ether), 24*time.Hour)
	if err := hub.AuthorizeHub(managerAddress, time.Time{}); err != nil {
		l.Fatal("could not authorize relay manager", zap.Error(err))
	}
	hub.AddRelayWorkers(managerAddress, workerAddress)
	if *sponsorAddr != "" {
		sponsor := ethcommon.HexToAddress(*sponsorAddr)
		hub.RegisterPaymaster(sponsor, rifrelay.AcceptAllPaymaster{})
		hub.Deposit(sponsor, new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether)))
		l.Info("registered accept-all sponsor paymaster", zap.String("paymaster", sponsor.Hex()))
	}

	zl := newServerLogger(fluentLogger, *nodeID)
	server := rifrelay.NewServer(
		rifrelay.ServerLogger(zl),
		rifrelay.ServerListenAddress(*listenAddr),
		rifrelay.ServerTracer(otel.Tracer("server")),
		rifrelay.ServerFluentD(fluentD, *nodeID),
		rifrelay.ServerCodec(codec),
		rifrelay.ServerVerifier(hub),
		rifrelay.ServerHubAddress(networkDetails.RelayHubAddress),
		rifrelay.ServerManagerAddress(managerAddress),
		rifrelay.ServerWorkerKey(workerKey),
		rifrelay.ServerMinGasPrice(minGasPrice),
		rifrelay.ServerMaxAcceptanceBudget(*maxBudget),
		rifrelay.ServerVersion(cfg.Version),
	)

	exit := make(chan struct{})
	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		<-shutdown
		l.Warn("shutting down")
		signal.Stop(shutdown)
		cancel()
		server.Stop()
		close(exit)
	}()

	go func() {
		if err := server.Start(); err != nil {
			l.Fatal("relay server failed", zap.Error(err))
		}
	}()

	<-exit
}

func newLogger(appName, version string) *zap.Logger {
	logLevel := zap.DebugLevel
	var zapCore zapcore.Core
	level := zap.NewAtomicLevel()
	level.SetLevel(logLevel)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)

	// Use a buffered, non-blocking writer
	logWriter := zapcore.AddSync(&zapcore.BufferedWriteSyncer{
		WS:            zapcore.Lock(os.Stdout), // Output destination
		Size:          256 * 1024,              // 256 KB buffer before flush
		FlushInterval: time.Second,             // Flush every second
	})

	encoder := zapcore.NewJSONEncoder(encoderCfg)
	zapCore = zapcore.NewCore(encoder, logWriter, level)

	logger := zap.New(zapCore, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	logger = logger.With(zap.String("app", appName), zap.String("buildVersion", version))
	return logger
}

func newServerLogger(fluentLogger *fluent.Fluent, nodeID string) zerolog.Logger {
	consoleWriter := &fluentstats.ConsoleWriter{Out: os.Stdout, TimeFormat: timestampFormat}
	if fluentLogger == nil {
		return zerolog.New(consoleWriter).With().Timestamp().Logger()
	}
	fluentWriter := &fluentstats.FluentWriter{
		FluentEnabled: true,
		Fluentd:       fluentLogger,
		NodeID:        nodeID,
		TimeFormat:    timestampFormat,
	}
	return zerolog.New(zerolog.MultiLevelWriter(consoleWriter, fluentWriter)).With().Timestamp().Logger()
}

func getEnv(key string, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
