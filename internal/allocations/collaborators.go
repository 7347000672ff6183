package allocations

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Sentinel results from transaction submission. Both are hard failures
// for the action being executed and are never retried here.
var (
	ErrContractPaused = errors.New("staking contract is paused")
	ErrUnauthorized   = errors.New("operator not authorized for indexer")
)

// ErrEventNotFound marks a transaction that mined without producing an
// expected event log: the chain accepted the call but the expected
// effect was not observed.
var ErrEventNotFound = errors.New("expected event not found in receipt")

// EstimateFunc estimates the gas limit for a pending contract call.
type EstimateFunc func(ctx context.Context) (uint64, error)

// SendFunc signs and submits the call with the chosen gas limit.
type SendFunc func(ctx context.Context, gasLimit uint64) (*types.Transaction, error)

// NetworkMonitor supplies current allocation state read from the
// network's index. Allocations must return a live view, not a cached
// one; Reallocate depends on that freshness when deriving ids.
type NetworkMonitor interface {
	Allocations(ctx context.Context, status Status) ([]Allocation, error)
	Allocation(ctx context.Context, id common.Address) (*Allocation, error)
	// ResolvePOI determines the proof of indexing to close an
	// allocation with, reconciling an operator-provided value against
	// the locally computed one. force bypasses strict validation.
	ResolvePOI(ctx context.Context, alloc *Allocation, provided *common.Hash, force bool) (common.Hash, error)
}

// TransactionManager turns an estimate closure and a send closure into
// a mined receipt. Implementations own gas-limit selection,
// resubmission and the confirmation timeout, and report paused or
// unauthorized contracts via the sentinel errors above.
type TransactionManager interface {
	ExecuteTransaction(ctx context.Context, estimate EstimateFunc, send SendFunc) (*types.Receipt, error)
}

// ReceiptCollector tracks allocations whose query-fee receipts should
// be redeemed, and performs that redemption.
type ReceiptCollector interface {
	RememberAllocations(ctx context.Context, ids []common.Address) error
	// CollectReceipts reports whether the allocation had receipts
	// worth collecting.
	CollectReceipts(ctx context.Context, alloc *Allocation) (bool, error)
}

// SubgraphManager guarantees a deployment is assigned to an indexing
// node before it can be allocated to.
type SubgraphManager interface {
	Ensure(ctx context.Context, name string, deployment DeploymentID) error
}

// AllocateParams is the argument set for an allocateFrom call (and the
// open half of closeAndAllocate).
type AllocateParams struct {
	Indexer      common.Address
	Deployment   common.Hash
	Tokens       *big.Int
	AllocationID common.Address
	Metadata     [32]byte
	Proof        []byte
}

// ContractCaller exposes the staking and epoch-manager reads the
// lifecycle protocols need, plus closure factories for the three
// chain-mutating calls. Factories never touch the network themselves;
// submission always goes through the TransactionManager.
type ContractCaller interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	IndexerCapacity(ctx context.Context, indexer common.Address) (*big.Int, error)
	AllocationState(ctx context.Context, id common.Address) (Status, error)

	AllocateFrom(params AllocateParams) (EstimateFunc, SendFunc)
	CloseAllocation(id common.Address, poi common.Hash) (EstimateFunc, SendFunc)
	CloseAndAllocate(closeID common.Address, poi common.Hash, open AllocateParams) (EstimateFunc, SendFunc)
}

// PolicyStore is the off-chain indexing-rule table the lifecycle
// manager keeps aligned with executed actions.
type PolicyStore interface {
	SetDecisionBasis(ctx context.Context, deployment DeploymentID, basis string, amount *big.Int) error
}
