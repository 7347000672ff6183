package allocations

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func mustEventsABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(stakingEventsABI))
	if err != nil {
		t.Fatalf("parse events ABI: %v", err)
	}
	return parsed
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// createdLog builds an AllocationCreated log the way the staking
// contract emits it.
func createdLog(t *testing.T, indexer common.Address, deployment common.Hash, epoch, tokens *big.Int, allocationID common.Address) *types.Log {
	t.Helper()
	parsed := mustEventsABI(t)
	ev := parsed.Events[EventAllocationCreated]
	data, err := ev.Inputs.NonIndexed().Pack(epoch, tokens, [32]byte{})
	if err != nil {
		t.Fatalf("pack AllocationCreated data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{ev.ID, addressTopic(indexer), deployment, addressTopic(allocationID)},
		Data:   data,
	}
}

func closedLog(t *testing.T, indexer common.Address, deployment common.Hash, epoch, tokens *big.Int, allocationID common.Address, poi common.Hash) *types.Log {
	t.Helper()
	parsed := mustEventsABI(t)
	ev := parsed.Events[EventAllocationClosed]
	data, err := ev.Inputs.NonIndexed().Pack(epoch, tokens, [32]byte(poi))
	if err != nil {
		t.Fatalf("pack AllocationClosed data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{ev.ID, addressTopic(indexer), deployment, addressTopic(allocationID)},
		Data:   data,
	}
}

func rewardsLog(t *testing.T, indexer, allocationID common.Address, epoch, amount *big.Int) *types.Log {
	t.Helper()
	parsed := mustEventsABI(t)
	ev := parsed.Events[EventRewardsAssigned]
	data, err := ev.Inputs.NonIndexed().Pack(epoch, amount)
	if err != nil {
		t.Fatalf("pack RewardsAssigned data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{ev.ID, addressTopic(indexer), addressTopic(allocationID)},
		Data:   data,
	}
}

func receiptWith(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0xdead"),
		Logs:   logs,
	}
}

func TestDecodeAllocationCreated(t *testing.T) {
	decoder, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("NewEventDecoder: %v", err)
	}

	indexer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	allocationID := common.HexToAddress("0x2222222222222222222222222222222222222222")
	deployment := DeploymentID("QmAAA").Bytes32()

	receipt := receiptWith(createdLog(t, indexer, deployment, big.NewInt(42), big.NewInt(10000), allocationID))

	var ev AllocationCreatedEvent
	found, err := decoder.Decode(receipt, EventAllocationCreated, &ev)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !found {
		t.Fatal("event not found")
	}
	if ev.Indexer != indexer {
		t.Errorf("indexer = %s, want %s", ev.Indexer, indexer)
	}
	if ev.AllocationID != allocationID {
		t.Errorf("allocation = %s, want %s", ev.AllocationID, allocationID)
	}
	if ev.SubgraphDeploymentID != deployment {
		t.Errorf("deployment = %s, want %s", ev.SubgraphDeploymentID, deployment)
	}
	if ev.Epoch.Int64() != 42 || ev.Tokens.Int64() != 10000 {
		t.Errorf("epoch/tokens = %v/%v, want 42/10000", ev.Epoch, ev.Tokens)
	}
}

func TestDecodeSkipsUnrelatedLogs(t *testing.T) {
	decoder, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("NewEventDecoder: %v", err)
	}

	indexer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	allocationID := common.HexToAddress("0x2222222222222222222222222222222222222222")
	deployment := DeploymentID("QmAAA").Bytes32()
	unrelated := &types.Log{Topics: []common.Hash{common.HexToHash("0xbeef")}}

	receipt := receiptWith(
		unrelated,
		rewardsLog(t, indexer, allocationID, big.NewInt(42), big.NewInt(77)),
		closedLog(t, indexer, deployment, big.NewInt(42), big.NewInt(10000), allocationID, common.HexToHash("0x01")),
	)

	var closed AllocationClosedEvent
	found, err := decoder.Decode(receipt, EventAllocationClosed, &closed)
	if err != nil {
		t.Fatalf("Decode closed: %v", err)
	}
	if !found || closed.AllocationID != allocationID {
		t.Errorf("closed = %+v, found=%v", closed, found)
	}

	var rewards RewardsAssignedEvent
	found, err = decoder.Decode(receipt, EventRewardsAssigned, &rewards)
	if err != nil {
		t.Fatalf("Decode rewards: %v", err)
	}
	if !found || rewards.Amount.Int64() != 77 {
		t.Errorf("rewards = %+v, found=%v", rewards, found)
	}

	var created AllocationCreatedEvent
	found, err = decoder.Decode(receipt, EventAllocationCreated, &created)
	if err != nil {
		t.Fatalf("Decode created: %v", err)
	}
	if found {
		t.Error("found AllocationCreated in a receipt without one")
	}
}
