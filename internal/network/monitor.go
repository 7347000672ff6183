package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/corvohq/allocd/internal/allocations"
)

// Monitor implements allocations.NetworkMonitor against the network
// subgraph (allocation state) and the indexing status API (proofs of
// indexing). Queries always hit the endpoints directly; nothing is
// cached, which Reallocate's id derivation depends on.
type Monitor struct {
	client     *http.Client
	networkURL string
	statusURL  string
	indexer    common.Address
}

func NewMonitor(networkSubgraphURL, indexingStatusURL string, indexer common.Address) *Monitor {
	return &Monitor{
		client:     &http.Client{},
		networkURL: networkSubgraphURL,
		statusURL:  indexingStatusURL,
		indexer:    indexer,
	}
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

func (m *Monitor) query(ctx context.Context, url string, req gqlRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql request: unexpected status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// gqlAllocation is the network subgraph's allocation shape. Token
// amounts are BigInt strings; epochs are plain ints.
type gqlAllocation struct {
	ID                 string `json:"id"`
	AllocatedTokens    string `json:"allocatedTokens"`
	CreatedAtEpoch     uint64 `json:"createdAtEpoch"`
	ClosedAtEpoch      uint64 `json:"closedAtEpoch"`
	CreatedAtBlockHash string `json:"createdAtBlockHash"`
	Status             string `json:"status"`
	SubgraphDeployment struct {
		IPFSHash        string `json:"ipfsHash"`
		StakedTokens    string `json:"stakedTokens"`
		SignalledTokens string `json:"signalledTokens"`
	} `json:"subgraphDeployment"`
}

const allocationFields = `
	id
	allocatedTokens
	createdAtEpoch
	closedAtEpoch
	createdAtBlockHash
	status
	subgraphDeployment { ipfsHash stakedTokens signalledTokens }`

func (m *Monitor) Allocations(ctx context.Context, status allocations.Status) ([]allocations.Allocation, error) {
	var data struct {
		Allocations []gqlAllocation `json:"allocations"`
	}
	err := m.query(ctx, m.networkURL, gqlRequest{
		Query: `query ($indexer: String!, $status: AllocationStatus!) {
			allocations(where: {indexer: $indexer, status: $status}, first: 1000) {` + allocationFields + `}
		}`,
		Variables: map[string]interface{}{
			"indexer": m.indexer.Hex(),
			"status":  status.String(),
		},
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}

	out := make([]allocations.Allocation, 0, len(data.Allocations))
	for _, ga := range data.Allocations {
		alloc, err := toAllocation(ga)
		if err != nil {
			return nil, err
		}
		out = append(out, *alloc)
	}
	return out, nil
}

func (m *Monitor) Allocation(ctx context.Context, id common.Address) (*allocations.Allocation, error) {
	var data struct {
		Allocation *gqlAllocation `json:"allocation"`
	}
	err := m.query(ctx, m.networkURL, gqlRequest{
		Query: `query ($id: ID!) {
			allocation(id: $id) {` + allocationFields + `}
		}`,
		Variables: map[string]interface{}{"id": id.Hex()},
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("query allocation %s: %w", id, err)
	}
	if data.Allocation == nil {
		return nil, fmt.Errorf("allocation %s not found in the network index", id)
	}
	return toAllocation(*data.Allocation)
}

// ResolvePOI reconciles an operator-provided proof of indexing with the
// locally computed one. Without force, a provided POI must match the
// local computation and a zero/unavailable POI is an error; force takes
// whatever is available, down to a zero POI.
func (m *Monitor) ResolvePOI(ctx context.Context, alloc *allocations.Allocation, provided *common.Hash, force bool) (common.Hash, error) {
	if force {
		if provided != nil {
			return *provided, nil
		}
		generated, err := m.proofOfIndexing(ctx, alloc)
		if err != nil {
			slog.Warn("computing POI failed, closing with zero POI under force",
				"allocation", alloc.ID, "error", err)
			return common.Hash{}, nil
		}
		return generated, nil
	}

	generated, err := m.proofOfIndexing(ctx, alloc)
	if err != nil {
		return common.Hash{}, fmt.Errorf("compute POI: %w", err)
	}
	if provided != nil {
		if *provided != generated {
			return common.Hash{}, fmt.Errorf(
				"provided POI %s does not match the locally computed POI %s (use force to override)",
				provided, generated)
		}
		return *provided, nil
	}
	if generated == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf(
			"no valid POI available for deployment %s (use force to close with a zero POI)",
			alloc.SubgraphDeployment.ID)
	}
	return generated, nil
}

// proofOfIndexing asks the indexing status API for the POI of the
// allocation's deployment as of the network subgraph's current block.
func (m *Monitor) proofOfIndexing(ctx context.Context, alloc *allocations.Allocation) (common.Hash, error) {
	block, number, err := m.headBlock(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	var data struct {
		ProofOfIndexing *string `json:"proofOfIndexing"`
	}
	err = m.query(ctx, m.statusURL, gqlRequest{
		Query: `query ($subgraph: String!, $blockHash: String!, $blockNumber: Int!, $indexer: String!) {
			proofOfIndexing(subgraph: $subgraph, blockHash: $blockHash, blockNumber: $blockNumber, indexer: $indexer)
		}`,
		Variables: map[string]interface{}{
			"subgraph":    string(alloc.SubgraphDeployment.ID),
			"blockHash":   block.Hex(),
			"blockNumber": number,
			"indexer":     m.indexer.Hex(),
		},
	}, &data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("query proof of indexing: %w", err)
	}
	if data.ProofOfIndexing == nil {
		return common.Hash{}, nil
	}
	return common.HexToHash(*data.ProofOfIndexing), nil
}

func (m *Monitor) headBlock(ctx context.Context) (common.Hash, uint64, error) {
	var data struct {
		Meta struct {
			Block struct {
				Hash   string `json:"hash"`
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	err := m.query(ctx, m.networkURL, gqlRequest{
		Query: `{ _meta { block { hash number } } }`,
	}, &data)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("query network head block: %w", err)
	}
	return common.HexToHash(data.Meta.Block.Hash), data.Meta.Block.Number, nil
}

func toAllocation(ga gqlAllocation) (*allocations.Allocation, error) {
	if !common.IsHexAddress(ga.ID) {
		return nil, fmt.Errorf("network index returned invalid allocation id %q", ga.ID)
	}
	tokens, err := parseBigInt(ga.AllocatedTokens)
	if err != nil {
		return nil, fmt.Errorf("allocation %s allocatedTokens: %w", ga.ID, err)
	}
	staked, err := parseBigInt(ga.SubgraphDeployment.StakedTokens)
	if err != nil {
		return nil, fmt.Errorf("allocation %s stakedTokens: %w", ga.ID, err)
	}
	signalled, err := parseBigInt(ga.SubgraphDeployment.SignalledTokens)
	if err != nil {
		return nil, fmt.Errorf("allocation %s signalledTokens: %w", ga.ID, err)
	}

	return &allocations.Allocation{
		ID: common.HexToAddress(ga.ID),
		SubgraphDeployment: allocations.SubgraphDeployment{
			ID:              allocations.DeploymentID(ga.SubgraphDeployment.IPFSHash),
			StakedTokens:    staked,
			SignalledTokens: signalled,
		},
		AllocatedTokens:    tokens,
		CreatedAtEpoch:     ga.CreatedAtEpoch,
		ClosedAtEpoch:      ga.ClosedAtEpoch,
		CreatedAtBlockHash: common.HexToHash(ga.CreatedAtBlockHash),
		Status:             parseStatus(ga.Status),
	}, nil
}

func parseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable big integer %q", s)
	}
	return v, nil
}

func parseStatus(s string) allocations.Status {
	switch s {
	case "Active":
		return allocations.StatusActive
	case "Closed":
		return allocations.StatusClosed
	case "Finalized":
		return allocations.StatusFinalized
	case "Claimed":
		return allocations.StatusClaimed
	}
	return allocations.StatusNull
}
