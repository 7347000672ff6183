package allocations

import (
	"context"
	"math/big"

	"github.com/corvohq/allocd/internal/store"
)

// Decision bases the lifecycle manager writes.
const (
	DecisionAlways   = store.RuleAlways
	DecisionOffchain = store.RuleOffchain
)

// StorePolicy adapts the SQLite store to the PolicyStore interface.
type StorePolicy struct {
	Store *store.Store
}

func (p *StorePolicy) SetDecisionBasis(ctx context.Context, deployment DeploymentID, basis string, amount *big.Int) error {
	rule := store.IndexingRule{
		DeploymentID:  string(deployment),
		DecisionBasis: basis,
	}
	if amount != nil {
		s := amount.String()
		rule.Amount = &s
	}
	return p.Store.UpsertIndexingRule(ctx, rule)
}
