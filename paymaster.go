package rifrelay

import (
	"context"

	"github.com/patogallaiovlabs/rif-relay/common"
)

// Paymaster agrees to cover relay charges for requests it approves. The
// settlement engine invokes PreRelayedCall before the target call and
// PostRelayedCall after; an error from either is a revert in ledger terms.
type Paymaster interface {
	// PreRelayedCall vets the request. The returned context is handed back
	// in PostRelayedCall untouched. An error rejects the request; its text
	// is surfaced verbatim as the rejection reason.
	PreRelayedCall(ctx context.Context, req *common.RelayRequest, sig, approvalData []byte, maxAcceptanceBudget uint64) ([]byte, error)
	// PostRelayedCall runs after the target call, whether or not it
	// succeeded. An error rolls the whole settlement back unsettled.
	PostRelayedCall(ctx context.Context, pmCtx []byte, callSucceeded bool, gasUsed uint64, rd *common.RelayData) error
}

// AcceptAllPaymaster approves everything. Useful for local networks where
// the operator sponsors all traffic.
type AcceptAllPaymaster struct{}

func (AcceptAllPaymaster) PreRelayedCall(context.Context, *common.RelayRequest, []byte, []byte, uint64) ([]byte, error) {
	return nil, nil
}

func (AcceptAllPaymaster) PostRelayedCall(context.Context, []byte, bool, uint64, *common.RelayData) error {
	return nil
}
