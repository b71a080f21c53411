package rifrelay

// RelayEvent is one progress notification emitted during relayTransaction.
// Step/Total are deterministic for a given candidate count so observers can
// render progress bars.
type RelayEvent struct {
	Name  string
	Step  int
	Total int
}

// Event names, in emission order.
const (
	EventInit            = "init"
	EventGasPrice        = "gas-price-resolved"
	EventDataHooks       = "data-hooks-applied"
	EventRelaysFetched   = "relays-fetched"
	EventNextRelay       = "next-relay-attempt"
	EventTransactionOK   = "transaction-validated"
	EventRelaysExhausted = "relays-exhausted"
)

// RelayEventListener observes relayTransaction progress. Callbacks run
// synchronously between orchestration steps and must not block.
type RelayEventListener func(RelayEvent)

type eventEmitter struct {
	listeners []RelayEventListener
	step      int
	total     int
}

func (e *eventEmitter) emit(name string) {
	e.step++
	ev := RelayEvent{Name: name, Step: e.step, Total: e.total}
	for _, fn := range e.listeners {
		fn(ev)
	}
}
