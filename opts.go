package rifrelay

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/patogallaiovlabs/rif-relay/fluentstats"
)

// HubOption configures a RelayHub.
type HubOption func(*RelayHub)

func HubMinimumStake(amount *big.Int) HubOption {
	return func(h *RelayHub) {
		h.minimumStake = uint256.MustFromBig(amount)
	}
}

func HubFluentD(fluentD fluentstats.Stats, nodeID string) HubOption {
	return func(h *RelayHub) {
		h.fluentD = fluentD
		h.nodeID = nodeID
	}
}

// RegistryOption configures a KnownRelaysRegistry.
type RegistryOption func(*KnownRelaysRegistry)

func RegistryFailureCooldown(d time.Duration) RegistryOption {
	return func(r *KnownRelaysRegistry) {
		r.cooldown = d
	}
}

// RegistryPreferredRelays pins operator-chosen relay URLs to the top of
// every ranking.
func RegistryPreferredRelays(urls ...string) RegistryOption {
	return func(r *KnownRelaysRegistry) {
		r.preferred = append(r.preferred, urls...)
	}
}

// ClientOption configures a RelayClient.
type ClientOption func(*RelayClient)

func ClientTracer(tracer trace.Tracer) ClientOption {
	return func(c *RelayClient) {
		c.tracer = tracer
	}
}

func ClientFluentD(fluentD fluentstats.Stats, nodeID string) ClientOption {
	return func(c *RelayClient) {
		c.fluentD = fluentD
		c.nodeID = nodeID
	}
}

func ClientNode(node NodeClient) ClientOption {
	return func(c *RelayClient) {
		c.node = node
	}
}

func ClientVerifier(verifier RelayCallVerifier) ClientOption {
	return func(c *RelayClient) {
		c.verifier = verifier
	}
}

func ClientForwarder(forwarder Forwarder, address ethcommon.Address) ClientOption {
	return func(c *RelayClient) {
		c.forwarder = forwarder
		c.forwarderAddress = address
	}
}

func ClientHubAddress(addr ethcommon.Address) ClientOption {
	return func(c *RelayClient) {
		c.hubAddress = addr
	}
}

func ClientPaymaster(addr ethcommon.Address) ClientOption {
	return func(c *RelayClient) {
		c.paymasterAddress = addr
	}
}

func ClientFees(pctRelayFee uint64, baseRelayFee *big.Int) ClientOption {
	return func(c *RelayClient) {
		c.pctRelayFee = pctRelayFee
		if baseRelayFee != nil {
			c.baseRelayFee = new(big.Int).Set(baseRelayFee)
		}
	}
}

func ClientID(id *big.Int) ClientOption {
	return func(c *RelayClient) {
		c.clientID = new(big.Int).Set(id)
	}
}

func ClientGasPricing(minGasPrice *big.Int, factorPct uint64) ClientOption {
	return func(c *RelayClient) {
		if minGasPrice != nil {
			c.minGasPrice = new(big.Int).Set(minGasPrice)
		}
		if factorPct > 0 {
			c.gasPriceFactor = factorPct
		}
	}
}

func ClientVersionPrefix(prefix string) ClientOption {
	return func(c *RelayClient) {
		c.versionPrefix = prefix
	}
}

func ClientTimeouts(ping, relay time.Duration) ClientOption {
	return func(c *RelayClient) {
		if ping > 0 {
			c.pingTimeout = ping
		}
		if relay > 0 {
			c.relayTimeout = relay
		}
	}
}

func ClientRelayNonceGap(gap uint64) ClientOption {
	return func(c *RelayClient) {
		c.relayNonceGap = gap
	}
}

func ClientApprovalDataHook(hook DataHook) ClientOption {
	return func(c *RelayClient) {
		c.asyncApprovalData = hook
	}
}

func ClientPaymasterDataHook(hook DataHook) ClientOption {
	return func(c *RelayClient) {
		c.asyncPaymasterData = hook
	}
}

// ServerOption configures a relay Server.
type ServerOption func(*Server)

func ServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func ServerListenAddress(addr string) ServerOption {
	return func(s *Server) {
		s.listenAddress = addr
	}
}

func ServerTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = tracer
	}
}

func ServerFluentD(fluentD fluentstats.Stats, nodeID string) ServerOption {
	return func(s *Server) {
		s.fluentD = fluentD
		s.NodeID = nodeID
	}
}

func ServerCodec(codec *Codec) ServerOption {
	return func(s *Server) {
		s.codec = codec
	}
}

func ServerVerifier(verifier RelayCallVerifier) ServerOption {
	return func(s *Server) {
		s.verifier = verifier
	}
}

func ServerHubAddress(addr ethcommon.Address) ServerOption {
	return func(s *Server) {
		s.hubAddress = addr
	}
}

func ServerManagerAddress(addr ethcommon.Address) ServerOption {
	return func(s *Server) {
		s.managerAddress = addr
	}
}

func ServerWorkerKey(key *ecdsa.PrivateKey) ServerOption {
	return func(s *Server) {
		s.workerKey = key
	}
}

func ServerMinGasPrice(price *big.Int) ServerOption {
	return func(s *Server) {
		if price != nil {
			s.minGasPrice = new(big.Int).Set(price)
		}
	}
}

func ServerMaxAcceptanceBudget(budget uint64) ServerOption {
	return func(s *Server) {
		s.maxAcceptanceBudget = budget
	}
}

func ServerVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}
