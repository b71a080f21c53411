package rifrelay

import (
	"context"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/patogallaiovlabs/rif-relay/common"
)

const (
	relayInfoCacheExpiry  = 30 * time.Minute
	relayInfoCacheCleanup = 10 * time.Minute

	defaultFailureCooldown = 10 * time.Minute
	defaultRefreshInterval = 1 * time.Minute
)

// RelayRegisteredEvent is one manager registration read off the ledger.
// Managers re-register to update URL or fees; the latest event wins.
type RelayRegisteredEvent struct {
	Manager      ethcommon.Address
	URL          string
	BaseRelayFee *big.Int
	PctRelayFee  uint64
	Block        uint64
}

// RelayRegistrar is the event feed the registry refreshes from.
type RelayRegistrar interface {
	// FetchRelayRegistrations returns events at or after fromBlock plus the
	// next block to resume from.
	FetchRelayRegistrations(ctx context.Context, fromBlock uint64) ([]RelayRegisteredEvent, uint64, error)
}

// StakeChecker filters out managers whose stake or authorization lapsed.
// The settlement engine implements it.
type StakeChecker interface {
	IsManagerStaked(manager ethcommon.Address) bool
}

// RelayInfo is one ranked candidate.
type RelayInfo struct {
	Manager      ethcommon.Address
	URL          string
	BaseRelayFee *big.Int
	PctRelayFee  uint64
}

// RelayFailureInfo timestamps a reported relay failure.
type RelayFailureInfo struct {
	Timestamp time.Time
	Manager   ethcommon.Address
	URL       string
}

// KnownRelaysRegistry tracks registered relay servers and recent failures.
// Failure writes are last-write-wins; concurrent relayTransaction calls
// share one registry without extra locking.
type KnownRelaysRegistry struct {
	logger       *zap.Logger
	registrar    RelayRegistrar
	stakeChecker StakeChecker

	relays    *cache.Cache // manager hex -> *RelayInfo
	failures  *SyncMap[*RelayFailureInfo]
	latencies *SyncMap[int64]
	cooldown  time.Duration
	preferred []string

	refreshMu sync.Mutex // guards nextBlock across Refresh callers
	nextBlock uint64
}

func NewKnownRelaysRegistry(logger *zap.Logger, registrar RelayRegistrar, stakeChecker StakeChecker, opts ...RegistryOption) *KnownRelaysRegistry {
	r := &KnownRelaysRegistry{
		logger:       logger,
		registrar:    registrar,
		stakeChecker: stakeChecker,
		relays:       cache.New(relayInfoCacheExpiry, relayInfoCacheCleanup),
		failures:     NewSyncMap[*RelayFailureInfo](),
		latencies:    NewSyncMap[int64](),
		cooldown:     defaultFailureCooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh pulls fresh registration events and replaces cached entries.
// Managers that lost their stake are dropped.
func (r *KnownRelaysRegistry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	events, next, err := r.registrar.FetchRelayRegistrations(ctx, r.nextBlock)
	if err != nil {
		return err
	}
	r.nextBlock = next
	for _, ev := range events {
		if r.stakeChecker != nil && !r.stakeChecker.IsManagerStaked(ev.Manager) {
			r.relays.Delete(ev.Manager.Hex())
			continue
		}
		r.relays.SetDefault(ev.Manager.Hex(), &RelayInfo{
			Manager:      ev.Manager,
			URL:          ev.URL,
			BaseRelayFee: ev.BaseRelayFee,
			PctRelayFee:  ev.PctRelayFee,
		})
	}
	r.logger.Debug("relay registry refreshed",
		zap.Int("events", len(events)), zap.Uint64("nextBlock", next))
	return nil
}

// StartAutoRefresh refreshes on a ticker until ctx is canceled.
func (r *KnownRelaysRegistry) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Warn("relay registry refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// SaveRelayFailure records a failure so ranking deprioritizes the relay
// until the cooldown elapses.
func (r *KnownRelaysRegistry) SaveRelayFailure(ts time.Time, manager ethcommon.Address, url string) {
	r.failures.Store(failureKey(manager, url), &RelayFailureInfo{
		Timestamp: ts,
		Manager:   manager,
		URL:       url,
	})
}

func failureKey(manager ethcommon.Address, url string) string {
	return manager.Hex() + "|" + url
}

// SaveRelayPing records how long the relay's last successful probe took,
// so ranking can break fee ties with observed responsiveness.
func (r *KnownRelaysRegistry) SaveRelayPing(manager ethcommon.Address, url string, durationMS int64) {
	r.latencies.Store(failureKey(manager, url), durationMS)
}

// lastPingLatency returns the recorded probe duration, or MaxInt64 so
// never-probed relays rank after probed ones on otherwise equal fees.
func (r *KnownRelaysRegistry) lastPingLatency(info *RelayInfo) int64 {
	latency, ok := r.latencies.Load(failureKey(info.Manager, info.URL))
	if !ok {
		return math.MaxInt64
	}
	return latency
}

func (r *KnownRelaysRegistry) hasRecentFailure(info *RelayInfo) bool {
	f, ok := r.failures.Load(failureKey(info.Manager, info.URL))
	if !ok {
		return false
	}
	if time.Since(f.Timestamp) > r.cooldown {
		r.failures.Delete(failureKey(info.Manager, info.URL))
		return false
	}
	return true
}

// GetRelaysSortedForTransaction ranks candidates for one relay attempt:
// operator-preferred URLs first, then failure-free relays by fee, then
// relays with a failure inside the cooldown window. Nothing is ever
// excluded outright.
func (r *KnownRelaysRegistry) GetRelaysSortedForTransaction(req *common.RelayRequest) []*RelayInfo {
	var healthy, failed []*RelayInfo
	for _, item := range r.relays.Items() {
		info := item.Object.(*RelayInfo)
		if r.hasRecentFailure(info) {
			failed = append(failed, info)
		} else {
			healthy = append(healthy, info)
		}
	}
	r.sortByFee(healthy)
	r.sortByFee(failed)
	healthy = append(healthy, failed...)

	if len(r.preferred) == 0 {
		return healthy
	}
	ranked := make([]*RelayInfo, 0, len(healthy))
	for _, url := range r.preferred {
		for _, info := range healthy {
			if info.URL == url {
				ranked = append(ranked, info)
			}
		}
	}
	for _, info := range healthy {
		if !containsURL(r.preferred, info.URL) {
			ranked = append(ranked, info)
		}
	}
	return ranked
}

// sortByFee orders by percentage fee, then flat fee, then last observed
// ping latency.
func (r *KnownRelaysRegistry) sortByFee(relays []*RelayInfo) {
	sort.SliceStable(relays, func(i, j int) bool {
		if relays[i].PctRelayFee != relays[j].PctRelayFee {
			return relays[i].PctRelayFee < relays[j].PctRelayFee
		}
		if c := baseFeeOrZero(relays[i]).Cmp(baseFeeOrZero(relays[j])); c != 0 {
			return c < 0
		}
		return r.lastPingLatency(relays[i]) < r.lastPingLatency(relays[j])
	})
}

func baseFeeOrZero(info *RelayInfo) *big.Int {
	if info.BaseRelayFee == nil {
		return new(big.Int)
	}
	return info.BaseRelayFee
}

func containsURL(urls []string, url string) bool {
	for _, u := range urls {
		if u == url {
			return true
		}
	}
	return false
}
