package allocations

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Manager owns the four chain-mutating allocation protocols: allocate,
// unallocate, reallocate and collect. Each is a multi-step protocol
// against the staking contract that also keeps the off-chain indexing
// policy aligned with the result.
//
// The manager holds no allocation state of its own. Every protocol
// re-reads current state from the network monitor and the contract
// before acting; stake-capacity checks happen immediately before the
// chain write, never cached across actions. Callers (the action
// executor) are expected to run protocols strictly serially.
type Manager struct {
	indexer   common.Address
	monitor   NetworkMonitor
	contracts ContractCaller
	txm       TransactionManager
	receipts  ReceiptCollector
	subgraphs SubgraphManager
	policy    PolicyStore
	ids       IDStrategy
	decoder   *EventDecoder
}

// Config collects the manager's collaborators.
type Config struct {
	Indexer    common.Address
	Monitor    NetworkMonitor
	Contracts  ContractCaller
	TxManager  TransactionManager
	Receipts   ReceiptCollector
	Subgraphs  SubgraphManager
	Policy     PolicyStore
	IDStrategy IDStrategy
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Indexer == (common.Address{}) {
		return nil, fmt.Errorf("indexer address is required")
	}
	decoder, err := NewEventDecoder()
	if err != nil {
		return nil, err
	}
	return &Manager{
		indexer:   cfg.Indexer,
		monitor:   cfg.Monitor,
		contracts: cfg.Contracts,
		txm:       cfg.TxManager,
		receipts:  cfg.Receipts,
		subgraphs: cfg.Subgraphs,
		policy:    cfg.Policy,
		ids:       cfg.IDStrategy,
		decoder:   decoder,
	}, nil
}

// Allocate commits amount tokens of stake to the deployment.
func (m *Manager) Allocate(ctx context.Context, deployment DeploymentID, amount *big.Int) (*CreateResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("allocation amount must be positive, got %v", amount)
	}

	active, err := m.monitor.Allocations(ctx, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("read active allocations: %w", err)
	}
	for _, a := range active {
		if a.SubgraphDeployment.ID == deployment {
			return nil, fmt.Errorf(
				"deployment %s already has an active allocation (%s); close it before allocating again",
				deployment, a.ID)
		}
	}

	epoch, err := m.contracts.CurrentEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current epoch: %w", err)
	}
	capacity, err := m.contracts.IndexerCapacity(ctx, m.indexer)
	if err != nil {
		return nil, fmt.Errorf("read free stake capacity: %w", err)
	}
	if amount.Cmp(capacity) > 0 {
		return nil, fmt.Errorf(
			"insufficient free stake: requested %s, available %s", amount, capacity)
	}

	name := fmt.Sprintf("indexer-agent/%s", deployment.Short())
	if err := m.subgraphs.Ensure(ctx, name, deployment); err != nil {
		return nil, fmt.Errorf("ensure deployment %s is assigned to an index node: %w", deployment, err)
	}

	allocationID, key, err := m.ids.Derive(epoch, deployment, excludeSet(active))
	if err != nil {
		return nil, fmt.Errorf("derive allocation id: %w", err)
	}

	// Double-check the derived id is unused on chain. Saves the gas of
	// a doomed transaction; a true cross-process race stays possible.
	state, err := m.contracts.AllocationState(ctx, allocationID)
	if err != nil {
		return nil, fmt.Errorf("read state of allocation %s: %w", allocationID, err)
	}
	if state != StatusNull {
		return nil, fmt.Errorf("derived allocation id %s already exists on chain (state %s)", allocationID, state)
	}

	proof, err := SignAllocationProof(key, m.indexer, allocationID)
	if err != nil {
		return nil, err
	}

	slog.Info("allocating to deployment",
		"deployment", deployment, "allocation", allocationID,
		"amount", amount, "epoch", epoch)

	estimate, send := m.contracts.AllocateFrom(AllocateParams{
		Indexer:      m.indexer,
		Deployment:   deployment.Bytes32(),
		Tokens:       amount,
		AllocationID: allocationID,
		Proof:        proof,
	})
	receipt, err := m.txm.ExecuteTransaction(ctx, estimate, send)
	if err != nil {
		return nil, fmt.Errorf("submit allocateFrom: %w", err)
	}

	var created AllocationCreatedEvent
	if err := m.decodeRequired(receipt, EventAllocationCreated, &created); err != nil {
		return nil, err
	}

	if err := m.receipts.RememberAllocations(ctx, []common.Address{created.AllocationID}); err != nil {
		return nil, fmt.Errorf("register allocation with receipt collector: %w", err)
	}
	if err := m.policy.SetDecisionBasis(ctx, deployment, DecisionAlways, amount); err != nil {
		return nil, fmt.Errorf("update indexing rule for %s: %w", deployment, err)
	}

	slog.Info("allocation created",
		"deployment", deployment, "allocation", created.AllocationID,
		"tokens", created.Tokens, "tx", receipt.TxHash)

	return &CreateResult{
		Deployment:      deployment,
		Allocation:      created.AllocationID,
		AllocatedTokens: created.Tokens,
		TxHash:          receipt.TxHash,
	}, nil
}

// Unallocate closes an active allocation with a proof of indexing.
func (m *Manager) Unallocate(ctx context.Context, id common.Address, poi *common.Hash, force bool) (*CloseResult, error) {
	alloc, err := m.monitor.Allocation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read allocation %s: %w", id, err)
	}

	epoch, err := m.contracts.CurrentEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current epoch: %w", err)
	}
	if alloc.CreatedAtEpoch == epoch {
		return nil, fmt.Errorf(
			"allocation %s was created in the current epoch %d and cannot be closed before the next one",
			id, epoch)
	}

	resolvedPOI, err := m.monitor.ResolvePOI(ctx, alloc, poi, force)
	if err != nil {
		return nil, fmt.Errorf("resolve POI for allocation %s: %w", id, err)
	}

	state, err := m.contracts.AllocationState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read state of allocation %s: %w", id, err)
	}
	if state != StatusActive {
		return nil, fmt.Errorf("allocation %s is no longer active on chain (state %s)", id, state)
	}

	slog.Info("closing allocation", "allocation", id, "poi", resolvedPOI, "force", force)

	estimate, send := m.contracts.CloseAllocation(id, resolvedPOI)
	receipt, err := m.txm.ExecuteTransaction(ctx, estimate, send)
	if err != nil {
		return nil, fmt.Errorf("submit closeAllocation: %w", err)
	}

	var closed AllocationClosedEvent
	if err := m.decodeRequired(receipt, EventAllocationClosed, &closed); err != nil {
		return nil, err
	}
	rewards := m.decodeRewards(receipt, id)

	worthCollecting, err := m.receipts.CollectReceipts(ctx, alloc)
	if err != nil {
		return nil, fmt.Errorf("collect receipts for allocation %s: %w", id, err)
	}

	if err := m.policy.SetDecisionBasis(ctx, alloc.SubgraphDeployment.ID, DecisionOffchain, nil); err != nil {
		return nil, fmt.Errorf("update indexing rule for %s: %w", alloc.SubgraphDeployment.ID, err)
	}

	slog.Info("allocation closed",
		"allocation", id, "tokens", closed.Tokens,
		"rewards", rewards, "receipts_worth_collecting", worthCollecting,
		"tx", receipt.TxHash)

	return &CloseResult{
		Allocation:              id,
		AllocatedTokens:         closed.Tokens,
		RewardsAssigned:         rewards,
		ReceiptsWorthCollecting: worthCollecting,
		TxHash:                  receipt.TxHash,
	}, nil
}

// Reallocate closes an allocation and opens a fresh one for the same
// deployment in a single closeAndAllocate call, so the deployment never
// sits without an active allocation in between.
func (m *Manager) Reallocate(ctx context.Context, id common.Address, poi *common.Hash, amount *big.Int, force bool) (*ReallocateResult, error) {
	// Freshest possible view of the active set; both the existence
	// check and the id derivation below depend on it.
	active, err := m.monitor.Allocations(ctx, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("read active allocations: %w", err)
	}
	var alloc *Allocation
	for i := range active {
		if active[i].ID == id {
			alloc = &active[i]
			break
		}
	}
	if alloc == nil {
		return nil, fmt.Errorf("allocation %s is not among the active allocations", id)
	}

	epoch, err := m.contracts.CurrentEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current epoch: %w", err)
	}
	if alloc.CreatedAtEpoch == epoch {
		return nil, fmt.Errorf(
			"allocation %s was created in the current epoch %d and cannot be closed before the next one",
			id, epoch)
	}

	resolvedPOI, err := m.monitor.ResolvePOI(ctx, alloc, poi, force)
	if err != nil {
		return nil, fmt.Errorf("resolve POI for allocation %s: %w", id, err)
	}

	state, err := m.contracts.AllocationState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read state of allocation %s: %w", id, err)
	}
	if state != StatusActive {
		return nil, fmt.Errorf("allocation %s is no longer active on chain (state %s)", id, state)
	}

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("reallocation amount must be positive, got %v", amount)
	}

	// Capacity check counts the tokens released by closing the old
	// allocation as available again.
	freeStake, err := m.contracts.IndexerCapacity(ctx, m.indexer)
	if err != nil {
		return nil, fmt.Errorf("read free stake capacity: %w", err)
	}
	capacity := new(big.Int).Add(freeStake, alloc.AllocatedTokens)
	if amount.Cmp(capacity) > 0 {
		return nil, fmt.Errorf(
			"insufficient stake for reallocation: requested %s, available %s (free %s + releasing %s)",
			amount, capacity, freeStake, alloc.AllocatedTokens)
	}

	deployment := alloc.SubgraphDeployment.ID
	newID, key, err := m.ids.Derive(epoch, deployment, excludeSet(active))
	if err != nil {
		return nil, fmt.Errorf("derive allocation id: %w", err)
	}
	newState, err := m.contracts.AllocationState(ctx, newID)
	if err != nil {
		return nil, fmt.Errorf("read state of allocation %s: %w", newID, err)
	}
	if newState != StatusNull {
		return nil, fmt.Errorf("derived allocation id %s already exists on chain (state %s)", newID, newState)
	}

	proof, err := SignAllocationProof(key, m.indexer, newID)
	if err != nil {
		return nil, err
	}

	slog.Info("reallocating",
		"deployment", deployment, "closing", id, "opening", newID,
		"amount", amount, "poi", resolvedPOI)

	estimate, send := m.contracts.CloseAndAllocate(id, resolvedPOI, AllocateParams{
		Indexer:      m.indexer,
		Deployment:   deployment.Bytes32(),
		Tokens:       amount,
		AllocationID: newID,
		Proof:        proof,
	})
	receipt, err := m.txm.ExecuteTransaction(ctx, estimate, send)
	if err != nil {
		return nil, fmt.Errorf("submit closeAndAllocate: %w", err)
	}

	var closed AllocationClosedEvent
	if err := m.decodeRequired(receipt, EventAllocationClosed, &closed); err != nil {
		return nil, err
	}
	var created AllocationCreatedEvent
	if err := m.decodeRequired(receipt, EventAllocationCreated, &created); err != nil {
		return nil, err
	}
	rewards := m.decodeRewards(receipt, id)

	worthCollecting, err := m.receipts.CollectReceipts(ctx, alloc)
	if err != nil {
		return nil, fmt.Errorf("collect receipts for allocation %s: %w", id, err)
	}
	if err := m.receipts.RememberAllocations(ctx, []common.Address{created.AllocationID}); err != nil {
		return nil, fmt.Errorf("register allocation with receipt collector: %w", err)
	}
	if err := m.policy.SetDecisionBasis(ctx, deployment, DecisionAlways, amount); err != nil {
		return nil, fmt.Errorf("update indexing rule for %s: %w", deployment, err)
	}

	slog.Info("reallocation complete",
		"deployment", deployment, "closed", closed.AllocationID,
		"created", created.AllocationID, "tokens", created.Tokens,
		"rewards", rewards, "tx", receipt.TxHash)

	return &ReallocateResult{
		ClosedAllocation:        closed.AllocationID,
		CreatedAllocation:       created.AllocationID,
		AllocatedTokens:         created.Tokens,
		RewardsAssigned:         rewards,
		ReceiptsWorthCollecting: worthCollecting,
		TxHash:                  receipt.TxHash,
	}, nil
}

// Collect triggers query-fee redemption for an allocation. No chain
// transaction is submitted here; redemption itself belongs to the
// receipt collector.
func (m *Manager) Collect(ctx context.Context, id common.Address) (bool, error) {
	alloc, err := m.monitor.Allocation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read allocation %s: %w", id, err)
	}
	worthCollecting, err := m.receipts.CollectReceipts(ctx, alloc)
	if err != nil {
		return false, fmt.Errorf("collect receipts for allocation %s: %w", id, err)
	}
	slog.Info("receipt collection triggered",
		"allocation", id, "receipts_worth_collecting", worthCollecting)
	return worthCollecting, nil
}

func (m *Manager) decodeRequired(receipt *types.Receipt, event string, out interface{}) error {
	found, err := m.decoder.Decode(receipt, event, out)
	if err != nil {
		return fmt.Errorf("decode %s from tx %s: %w", event, receipt.TxHash, err)
	}
	if !found {
		return fmt.Errorf("tx %s mined without %s: %w", receipt.TxHash, event, ErrEventNotFound)
	}
	return nil
}

// decodeRewards extracts the RewardsAssigned amount if present. Zero
// rewards are legitimate (for example when the deployment has no
// signal), so absence is only worth a warning.
func (m *Manager) decodeRewards(receipt *types.Receipt, closing common.Address) *big.Int {
	var ev RewardsAssignedEvent
	found, err := m.decoder.Decode(receipt, EventRewardsAssigned, &ev)
	if err != nil {
		slog.Warn("decode RewardsAssigned", "tx", receipt.TxHash, "error", err)
		return big.NewInt(0)
	}
	if !found || ev.Amount == nil || ev.Amount.Sign() == 0 {
		slog.Warn("no rewards assigned for closed allocation",
			"allocation", closing, "tx", receipt.TxHash)
		return big.NewInt(0)
	}
	return ev.Amount
}

func excludeSet(allocs []Allocation) map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(allocs))
	for _, a := range allocs {
		set[a.ID] = struct{}{}
	}
	return set
}
