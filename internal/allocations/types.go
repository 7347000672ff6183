package allocations

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeploymentID identifies a subgraph deployment (IPFS-style hash,
// "Qm...").
type DeploymentID string

// Bytes32 is the on-chain representation of the deployment id.
func (d DeploymentID) Bytes32() common.Hash {
	return crypto.Keccak256Hash([]byte(d))
}

// Short returns a truncated form for display names and log fields.
func (d DeploymentID) Short() string {
	s := string(d)
	if len(s) <= 10 {
		return s
	}
	return s[len(s)-10:]
}

// Status is an allocation's state as derived from on-chain data.
type Status int

const (
	StatusNull Status = iota
	StatusActive
	StatusClosed
	StatusFinalized
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusNull:
		return "Null"
	case StatusActive:
		return "Active"
	case StatusClosed:
		return "Closed"
	case StatusFinalized:
		return "Finalized"
	case StatusClaimed:
		return "Claimed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// SubgraphDeployment is a deployment plus its network-wide token totals.
type SubgraphDeployment struct {
	ID              DeploymentID
	StakedTokens    *big.Int
	SignalledTokens *big.Int
}

// Allocation is an on-chain commitment of stake to a subgraph
// deployment. The ID is the allocation's own address, not the
// indexer's. Instances are snapshots: the manager always re-reads
// current state before acting, never trusts a copy across actions.
type Allocation struct {
	ID                 common.Address
	SubgraphDeployment SubgraphDeployment
	AllocatedTokens    *big.Int
	CreatedAtEpoch     uint64
	ClosedAtEpoch      uint64
	CreatedAtBlockHash common.Hash
	Status             Status
}

// CreateResult is returned by Allocate.
type CreateResult struct {
	Deployment      DeploymentID   `json:"deployment"`
	Allocation      common.Address `json:"allocation"`
	AllocatedTokens *big.Int       `json:"allocated_tokens"`
	TxHash          common.Hash    `json:"tx_hash"`
}

// CloseResult is returned by Unallocate.
type CloseResult struct {
	Allocation              common.Address `json:"allocation"`
	AllocatedTokens         *big.Int       `json:"allocated_tokens"`
	RewardsAssigned         *big.Int       `json:"rewards_assigned"`
	ReceiptsWorthCollecting bool           `json:"receipts_worth_collecting"`
	TxHash                  common.Hash    `json:"tx_hash"`
}

// ReallocateResult is returned by Reallocate.
type ReallocateResult struct {
	ClosedAllocation        common.Address `json:"closed_allocation"`
	CreatedAllocation       common.Address `json:"created_allocation"`
	AllocatedTokens         *big.Int       `json:"allocated_tokens"`
	RewardsAssigned         *big.Int       `json:"rewards_assigned"`
	ReceiptsWorthCollecting bool           `json:"receipts_worth_collecting"`
	TxHash                  common.Hash    `json:"tx_hash"`
}
