package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertIndexingRule inserts or replaces the policy record for a
// deployment. It honors a transaction carried by ctx (see WithTx), as
// the executor calls this mid-transaction on the single-connection
// write pool.
func (s *Store) UpsertIndexingRule(ctx context.Context, rule IndexingRule) error {
	_, err := s.writer(ctx).Exec(`
		INSERT INTO indexing_rules (deployment_id, decision_basis, amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(deployment_id) DO UPDATE SET
			decision_basis = excluded.decision_basis,
			amount = excluded.amount,
			updated_at = excluded.updated_at`,
		rule.DeploymentID, rule.DecisionBasis, rule.Amount, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert indexing rule for %s: %w", rule.DeploymentID, err)
	}
	return nil
}

// GetIndexingRule returns the policy record for a deployment.
func (s *Store) GetIndexingRule(deploymentID string) (*IndexingRule, error) {
	var rule IndexingRule
	var amount sql.NullString
	var updatedAt string
	err := s.db.Read.QueryRow(`
		SELECT deployment_id, decision_basis, amount, updated_at
		FROM indexing_rules WHERE deployment_id = ?`,
		deploymentID,
	).Scan(&rule.DeploymentID, &rule.DecisionBasis, &amount, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("indexing rule for %s not found", deploymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get indexing rule for %s: %w", deploymentID, err)
	}
	setNullableString(&rule.Amount, amount)
	rule.UpdatedAt = parseTime(updatedAt)
	return &rule, nil
}

// RememberAllocation records an allocation id whose query-fee receipts
// should be tracked for later redemption. Honors a transaction carried
// by ctx.
func (s *Store) RememberAllocation(ctx context.Context, allocationID string) error {
	_, err := s.writer(ctx).Exec(`
		INSERT INTO tracked_allocations (allocation_id, remembered_at)
		VALUES (?, ?)
		ON CONFLICT(allocation_id) DO NOTHING`,
		allocationID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("remember allocation %s: %w", allocationID, err)
	}
	return nil
}

// ForgetAllocation removes a tracked allocation and reports whether it
// was being tracked. Honors a transaction carried by ctx.
func (s *Store) ForgetAllocation(ctx context.Context, allocationID string) (bool, error) {
	res, err := s.writer(ctx).Exec(
		"DELETE FROM tracked_allocations WHERE allocation_id = ?", allocationID)
	if err != nil {
		return false, fmt.Errorf("forget allocation %s: %w", allocationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("forget allocation rows: %w", err)
	}
	return affected > 0, nil
}
