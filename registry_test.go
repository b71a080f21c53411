package rifrelay

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRegistrar struct {
	mu        sync.Mutex
	events    []RelayRegisteredEvent
	nextBlock uint64
	calls     int
	fromBlock uint64
}

func (f *fakeRegistrar) FetchRelayRegistrations(_ context.Context, fromBlock uint64) ([]RelayRegisteredEvent, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fromBlock = fromBlock
	return f.events, f.nextBlock, nil
}

type fakeStakeChecker struct {
	unstaked map[ethcommon.Address]bool
}

func (f *fakeStakeChecker) IsManagerStaked(manager ethcommon.Address) bool {
	return !f.unstaked[manager]
}

func registrationEvent(managerHex, url string, pctFee uint64, baseFee int64) RelayRegisteredEvent {
	return RelayRegisteredEvent{
		Manager:      ethcommon.HexToAddress(managerHex),
		URL:          url,
		BaseRelayFee: big.NewInt(baseFee),
		PctRelayFee:  pctFee,
	}
}

func relayURLs(relays []*RelayInfo) []string {
	urls := make([]string, 0, len(relays))
	for _, info := range relays {
		urls = append(urls, info.URL)
	}
	return urls
}

func TestRegistryRefreshDropsUnstakedManagers(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://relay-a:8090", 10, 0),
			registrationEvent("0x02", "http://relay-b:8090", 5, 0),
		},
		nextBlock: 100,
	}
	checker := &fakeStakeChecker{unstaked: map[ethcommon.Address]bool{
		ethcommon.HexToAddress("0x02"): true,
	}}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, checker)

	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, []string{"http://relay-a:8090"}, relayURLs(reg.GetRelaysSortedForTransaction(nil)))

	// the next refresh resumes from the reported block
	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, uint64(100), registrar.fromBlock)
	assert.Equal(t, 2, registrar.calls)
}

func TestRegistryReRegistrationWins(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://relay-old:8090", 10, 0),
			registrationEvent("0x01", "http://relay-new:8090", 2, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})

	require.NoError(t, reg.Refresh(context.Background()))
	relays := reg.GetRelaysSortedForTransaction(nil)
	require.Len(t, relays, 1)
	assert.Equal(t, "http://relay-new:8090", relays[0].URL)
	assert.Equal(t, uint64(2), relays[0].PctRelayFee)
}

func TestRegistryRanksByFee(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://expensive:8090", 20, 0),
			registrationEvent("0x02", "http://cheap:8090", 1, 0),
			registrationEvent("0x03", "http://mid-high-base:8090", 5, 1_000),
			registrationEvent("0x04", "http://mid-low-base:8090", 5, 10),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, []string{
		"http://cheap:8090",
		"http://mid-low-base:8090",
		"http://mid-high-base:8090",
		"http://expensive:8090",
	}, relayURLs(reg.GetRelaysSortedForTransaction(nil)))
}

func TestRegistryFailureDemotesRelay(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://cheap:8090", 1, 0),
			registrationEvent("0x02", "http://expensive:8090", 20, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})
	require.NoError(t, reg.Refresh(context.Background()))

	reg.SaveRelayFailure(time.Now(), ethcommon.HexToAddress("0x01"), "http://cheap:8090")

	// the failed relay stays in the list, ranked last
	assert.Equal(t, []string{"http://expensive:8090", "http://cheap:8090"},
		relayURLs(reg.GetRelaysSortedForTransaction(nil)))
}

func TestRegistryFailureCooldownExpires(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://cheap:8090", 1, 0),
			registrationEvent("0x02", "http://expensive:8090", 20, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{},
		RegistryFailureCooldown(10*time.Millisecond))
	require.NoError(t, reg.Refresh(context.Background()))

	reg.SaveRelayFailure(time.Now(), ethcommon.HexToAddress("0x01"), "http://cheap:8090")
	require.Equal(t, "http://expensive:8090", reg.GetRelaysSortedForTransaction(nil)[0].URL)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "http://cheap:8090", reg.GetRelaysSortedForTransaction(nil)[0].URL)
	// expired failure records are pruned on read
	assert.Equal(t, 0, reg.failures.Size())
}

func TestRegistryPingLatencyBreaksFeeTies(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://sluggish:8090", 5, 10),
			registrationEvent("0x02", "http://snappy:8090", 5, 10),
			registrationEvent("0x03", "http://unprobed:8090", 5, 10),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})
	require.NoError(t, reg.Refresh(context.Background()))

	reg.SaveRelayPing(ethcommon.HexToAddress("0x01"), "http://sluggish:8090", 900)
	reg.SaveRelayPing(ethcommon.HexToAddress("0x02"), "http://snappy:8090", 40)

	// equal fees, so the faster relay ranks first and the never-probed
	// one last
	assert.Equal(t, []string{
		"http://snappy:8090",
		"http://sluggish:8090",
		"http://unprobed:8090",
	}, relayURLs(reg.GetRelaysSortedForTransaction(nil)))
}

func TestRegistryLatencyNeverOutranksFees(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://cheap:8090", 1, 0),
			registrationEvent("0x02", "http://expensive:8090", 20, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})
	require.NoError(t, reg.Refresh(context.Background()))

	reg.SaveRelayPing(ethcommon.HexToAddress("0x02"), "http://expensive:8090", 1)

	assert.Equal(t, []string{"http://cheap:8090", "http://expensive:8090"},
		relayURLs(reg.GetRelaysSortedForTransaction(nil)))
}

func TestRegistryConcurrentRefresh(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://relay-a:8090", 1, 0),
		},
		nextBlock: 100,
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Refresh(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, registrar.calls)
	assert.Equal(t, uint64(100), registrar.fromBlock)
	assert.Len(t, reg.GetRelaysSortedForTransaction(nil), 1)
}

func TestRegistryPreferredRelaysFirst(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://cheap:8090", 1, 0),
			registrationEvent("0x02", "http://own-relay:8090", 30, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{},
		RegistryPreferredRelays("http://own-relay:8090"))
	require.NoError(t, reg.Refresh(context.Background()))

	// operator preference beats fee order
	assert.Equal(t, []string{"http://own-relay:8090", "http://cheap:8090"},
		relayURLs(reg.GetRelaysSortedForTransaction(nil)))
}

func TestRegistryAutoRefresh(t *testing.T) {
	registrar := &fakeRegistrar{
		events: []RelayRegisteredEvent{
			registrationEvent("0x01", "http://relay-a:8090", 1, 0),
		},
	}
	reg := NewKnownRelaysRegistry(zap.NewNop(), registrar, &fakeStakeChecker{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartAutoRefresh(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(reg.GetRelaysSortedForTransaction(nil)) == 1
	}, time.Second, 5*time.Millisecond)
}
