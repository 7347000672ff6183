package store

import (
	"context"
	"database/sql"
	"testing"
)

func TestUpsertIndexingRule(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	amount := "1000"
	if err := s.UpsertIndexingRule(ctx, IndexingRule{
		DeploymentID:  "QmAAA",
		DecisionBasis: RuleAlways,
		Amount:        &amount,
	}); err != nil {
		t.Fatalf("UpsertIndexingRule: %v", err)
	}

	got, err := s.GetIndexingRule("QmAAA")
	if err != nil {
		t.Fatalf("GetIndexingRule: %v", err)
	}
	if got.DecisionBasis != RuleAlways {
		t.Errorf("decision_basis = %q, want always", got.DecisionBasis)
	}
	if got.Amount == nil || *got.Amount != "1000" {
		t.Errorf("amount = %v, want 1000", got.Amount)
	}

	// Upsert flips the basis and clears the amount.
	if err := s.UpsertIndexingRule(ctx, IndexingRule{
		DeploymentID:  "QmAAA",
		DecisionBasis: RuleOffchain,
	}); err != nil {
		t.Fatalf("UpsertIndexingRule update: %v", err)
	}
	got, err = s.GetIndexingRule("QmAAA")
	if err != nil {
		t.Fatalf("GetIndexingRule after update: %v", err)
	}
	if got.DecisionBasis != RuleOffchain {
		t.Errorf("decision_basis = %q, want offchain", got.DecisionBasis)
	}
	if got.Amount != nil {
		t.Errorf("amount = %v, want nil", *got.Amount)
	}
}

func TestGetIndexingRuleNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetIndexingRule("QmMissing"); !IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestRememberAndForgetAllocation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const id = "0x1111111111111111111111111111111111111111"
	if err := s.RememberAllocation(ctx, id); err != nil {
		t.Fatalf("RememberAllocation: %v", err)
	}
	// Remembering twice is a no-op, not an error.
	if err := s.RememberAllocation(ctx, id); err != nil {
		t.Fatalf("RememberAllocation twice: %v", err)
	}

	tracked, err := s.ForgetAllocation(ctx, id)
	if err != nil {
		t.Fatalf("ForgetAllocation: %v", err)
	}
	if !tracked {
		t.Error("tracked = false, want true")
	}

	tracked, err = s.ForgetAllocation(ctx, id)
	if err != nil {
		t.Fatalf("ForgetAllocation again: %v", err)
	}
	if tracked {
		t.Error("tracked = true after forget, want false")
	}
}

// Rule and receipt writes issued while ExecuteTx holds the write
// connection must run on that transaction; on the single-connection
// pool they would otherwise block forever waiting for themselves.
func TestRuleWritesRunOnCarriedTx(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const id = "0x2222222222222222222222222222222222222222"
	if err := s.RememberAllocation(ctx, id); err != nil {
		t.Fatalf("RememberAllocation: %v", err)
	}

	err := s.ExecuteTx(func(tx *sql.Tx) error {
		txCtx := WithTx(ctx, tx)

		tracked, err := s.ForgetAllocation(txCtx, id)
		if err != nil {
			return err
		}
		if !tracked {
			t.Error("tracked = false inside tx, want true")
		}
		if err := s.UpsertIndexingRule(txCtx, IndexingRule{
			DeploymentID:  "QmTx",
			DecisionBasis: RuleOffchain,
		}); err != nil {
			return err
		}
		return s.RememberAllocation(txCtx, "0x3333333333333333333333333333333333333333")
	})
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	// Committed effects are visible to writes on the pool again.
	rule, err := s.GetIndexingRule("QmTx")
	if err != nil {
		t.Fatalf("GetIndexingRule after commit: %v", err)
	}
	if rule.DecisionBasis != RuleOffchain {
		t.Errorf("decision_basis = %q, want offchain", rule.DecisionBasis)
	}
	tracked, err := s.ForgetAllocation(ctx, "0x3333333333333333333333333333333333333333")
	if err != nil {
		t.Fatalf("ForgetAllocation after commit: %v", err)
	}
	if !tracked {
		t.Error("allocation remembered inside tx not visible after commit")
	}
}

func TestAppendAndRecentEvents(t *testing.T) {
	s := testStore(t)

	s.AppendEvent("action.queued", 1, map[string]string{"k": "v"})
	s.AppendEvent("action.approved", 1, nil)
	s.AppendEvent("action.success", 1, nil)

	events, err := s.RecentEvents(2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != "action.success" {
		t.Errorf("events[0].Type = %q, want action.success", events[0].Type)
	}
	if events[1].Type != "action.approved" {
		t.Errorf("events[1].Type = %q, want action.approved", events[1].Type)
	}
}
