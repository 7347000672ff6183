package allocations

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignAllocationProof produces the proof the staking contract requires
// on allocation: keccak256(indexer ‖ allocationID) signed with the
// allocation's own derived key. The contract recovers the signer and
// checks it matches the allocation id, binding the id to the indexer.
func SignAllocationProof(key *ecdsa.PrivateKey, indexer, allocationID common.Address) ([]byte, error) {
	digest := crypto.Keccak256Hash(indexer.Bytes(), allocationID.Bytes())
	proof, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign allocation proof for %s: %w", allocationID, err)
	}
	return proof, nil
}
