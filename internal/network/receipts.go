package network

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/corvohq/allocd/internal/allocations"
	"github.com/corvohq/allocd/internal/store"
)

// ReceiptCollector keeps a durable ledger of allocations whose
// query-fee receipts are pending redemption. Redemption itself is
// performed by the gateway exchange; this collector is the agent-side
// bookkeeping that decides whether an allocation is worth handing off.
type ReceiptCollector struct {
	store *store.Store
}

func NewReceiptCollector(s *store.Store) *ReceiptCollector {
	return &ReceiptCollector{store: s}
}

func (r *ReceiptCollector) RememberAllocations(ctx context.Context, ids []common.Address) error {
	for _, id := range ids {
		if err := r.store.RememberAllocation(ctx, id.Hex()); err != nil {
			return err
		}
		slog.Debug("tracking allocation for receipt redemption", "allocation", id)
	}
	return nil
}

func (r *ReceiptCollector) CollectReceipts(ctx context.Context, alloc *allocations.Allocation) (bool, error) {
	tracked, err := r.store.ForgetAllocation(ctx, alloc.ID.Hex())
	if err != nil {
		return false, err
	}
	if !tracked {
		slog.Info("no receipts tracked for allocation", "allocation", alloc.ID)
		return false, nil
	}
	slog.Info("handing allocation off for query-fee redemption",
		"allocation", alloc.ID, "deployment", alloc.SubgraphDeployment.ID)
	return true, nil
}
