package allocations

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event names emitted by the staking and rewards contracts.
const (
	EventAllocationCreated = "AllocationCreated"
	EventAllocationClosed  = "AllocationClosed"
	EventRewardsAssigned   = "RewardsAssigned"
)

const stakingEventsABI = `[
	{"type":"event","name":"AllocationCreated","inputs":[
		{"name":"indexer","type":"address","indexed":true},
		{"name":"subgraphDeploymentID","type":"bytes32","indexed":true},
		{"name":"epoch","type":"uint256","indexed":false},
		{"name":"tokens","type":"uint256","indexed":false},
		{"name":"allocationID","type":"address","indexed":true},
		{"name":"metadata","type":"bytes32","indexed":false}]},
	{"type":"event","name":"AllocationClosed","inputs":[
		{"name":"indexer","type":"address","indexed":true},
		{"name":"subgraphDeploymentID","type":"bytes32","indexed":true},
		{"name":"epoch","type":"uint256","indexed":false},
		{"name":"tokens","type":"uint256","indexed":false},
		{"name":"allocationID","type":"address","indexed":true},
		{"name":"poi","type":"bytes32","indexed":false}]},
	{"type":"event","name":"RewardsAssigned","inputs":[
		{"name":"indexer","type":"address","indexed":true},
		{"name":"allocationID","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// AllocationCreatedEvent mirrors the AllocationCreated log.
type AllocationCreatedEvent struct {
	Indexer              common.Address
	SubgraphDeploymentID common.Hash
	Epoch                *big.Int
	Tokens               *big.Int
	AllocationID         common.Address
	Metadata             [32]byte
}

// AllocationClosedEvent mirrors the AllocationClosed log.
type AllocationClosedEvent struct {
	Indexer              common.Address
	SubgraphDeploymentID common.Hash
	Epoch                *big.Int
	Tokens               *big.Int
	AllocationID         common.Address
	Poi                  [32]byte
}

// RewardsAssignedEvent mirrors the RewardsAssigned log.
type RewardsAssignedEvent struct {
	Indexer      common.Address
	AllocationID common.Address
	Epoch        *big.Int
	Amount       *big.Int
}

// EventDecoder decodes named contract events out of transaction
// receipts so the lifecycle protocols never touch raw log topics.
type EventDecoder struct {
	abi abi.ABI
}

func NewEventDecoder() (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(stakingEventsABI))
	if err != nil {
		return nil, fmt.Errorf("parse staking events ABI: %w", err)
	}
	return &EventDecoder{abi: parsed}, nil
}

// Decode scans the receipt's logs for the named event and unpacks the
// first match into out. Returns false when no log matches.
func (d *EventDecoder) Decode(receipt *types.Receipt, event string, out interface{}) (bool, error) {
	ev, ok := d.abi.Events[event]
	if !ok {
		return false, fmt.Errorf("unknown event %q", event)
	}

	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if len(lg.Data) > 0 {
			if err := d.abi.UnpackIntoInterface(out, event, lg.Data); err != nil {
				return false, fmt.Errorf("unpack %s data: %w", event, err)
			}
		}
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopics(out, indexed, lg.Topics[1:]); err != nil {
				return false, fmt.Errorf("parse %s topics: %w", event, err)
			}
		}
		return true, nil
	}
	return false, nil
}
