package allocations

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// maxDerivationAttempts bounds the collision scan. A hundred colliding
// ids for one (epoch, deployment) pair means something is badly wrong.
const maxDerivationAttempts = 100

// IDStrategy derives a fresh allocation id, skipping any id in the
// excluded set. The default strategy scans locally-known active
// allocations only; a global-uniqueness service can replace it without
// touching callers.
type IDStrategy interface {
	Derive(epoch uint64, deployment DeploymentID, excluded map[common.Address]struct{}) (common.Address, *ecdsa.PrivateKey, error)
}

// KeccakIDStrategy derives allocation ids deterministically from a
// signing seed, the current epoch and the deployment, with a nonce
// scanned forward past collisions. The derived private key signs the
// allocation proof, so the id is provably bound to this agent.
type KeccakIDStrategy struct {
	seed []byte
}

func NewKeccakIDStrategy(seed []byte) (*KeccakIDStrategy, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("allocation id seed must be at least 16 bytes, got %d", len(seed))
	}
	return &KeccakIDStrategy{seed: seed}, nil
}

func (s *KeccakIDStrategy) Derive(epoch uint64, deployment DeploymentID, excluded map[common.Address]struct{}) (common.Address, *ecdsa.PrivateKey, error) {
	var epochBuf, nonceBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], epoch)

	for nonce := uint64(0); nonce < maxDerivationAttempts; nonce++ {
		binary.BigEndian.PutUint64(nonceBuf[:], nonce)
		digest := crypto.Keccak256(s.seed, epochBuf[:], []byte(deployment), nonceBuf[:])

		key, err := crypto.ToECDSA(digest)
		if err != nil {
			// Digest outside the curve order; roll the nonce.
			continue
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, used := excluded[addr]; used {
			continue
		}
		return addr, key, nil
	}
	return common.Address{}, nil, fmt.Errorf(
		"exhausted %d derivation attempts for deployment %s in epoch %d",
		maxDerivationAttempts, deployment, epoch)
}
