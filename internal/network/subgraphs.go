package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/corvohq/allocd/internal/allocations"
)

// SubgraphManager assigns deployments to an index node through the
// graph node's admin JSON-RPC API. Ensure is idempotent: creating a
// name that already exists is fine.
type SubgraphManager struct {
	client    *http.Client
	adminURL  string
	indexNode string
}

func NewSubgraphManager(adminURL, indexNode string) *SubgraphManager {
	return &SubgraphManager{
		client:    &http.Client{},
		adminURL:  adminURL,
		indexNode: indexNode,
	}
}

func (s *SubgraphManager) Ensure(ctx context.Context, name string, deployment allocations.DeploymentID) error {
	if err := s.rpc(ctx, "subgraph_create", map[string]interface{}{
		"name": name,
	}); err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create subgraph name %s: %w", name, err)
	}

	if err := s.rpc(ctx, "subgraph_deploy", map[string]interface{}{
		"name":      name,
		"ipfs_hash": string(deployment),
		"node_id":   s.indexNode,
	}); err != nil {
		return fmt.Errorf("deploy %s to index node %s: %w", deployment, s.indexNode, err)
	}

	slog.Debug("deployment ensured on index node",
		"name", name, "deployment", deployment, "node", s.indexNode)
	return nil
}

func (s *SubgraphManager) rpc(ctx context.Context, method string, params interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adminURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %s", method, envelope.Error.Message)
	}
	return nil
}
