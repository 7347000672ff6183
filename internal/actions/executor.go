package actions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvohq/allocd/internal/allocations"
	"github.com/corvohq/allocd/internal/store"
)

// AllocationManager is the allocation lifecycle surface the executor
// dispatches actions to.
type AllocationManager interface {
	Allocate(ctx context.Context, deployment allocations.DeploymentID, amount *big.Int) (*allocations.CreateResult, error)
	Unallocate(ctx context.Context, id common.Address, poi *common.Hash, force bool) (*allocations.CloseResult, error)
	Reallocate(ctx context.Context, id common.Address, poi *common.Hash, amount *big.Int, force bool) (*allocations.ReallocateResult, error)
	Collect(ctx context.Context, id common.Address) (bool, error)
}

// Executor runs approved and explicitly requested actions against the
// allocation manager, one at a time, inside a single store transaction.
type Executor struct {
	store   *store.Store
	manager AllocationManager
	tracer  trace.Tracer
}

func NewExecutor(s *store.Store, m AllocationManager) *Executor {
	return &Executor{
		store:   s,
		manager: m,
		tracer:  otel.Tracer("allocd/executor"),
	}
}

// Execute runs queued work inside one serialized store transaction so
// two concurrent executions can never double-dispatch an action or
// double-count free stake. Unless force is set, it first drains ALL
// currently approved actions (not just those in ids); it then executes
// the queued actions restricted to ids. Each action succeeds or fails
// independently; one failure never blocks or rolls back its siblings.
// A failed chain call still commits that action's failed status.
//
// Note the asymmetry: force only suppresses the approved-work sweep.
// It does not let callers re-execute an approved action by id alone —
// phase two still considers only queued actions. This mirrors the
// long-standing queue semantics and is kept deliberately.
//
// Actions within the batch run strictly serially: capacity checks are
// read-then-act against shared stake and are not safe concurrently.
func (e *Executor) Execute(ctx context.Context, ids []int64, force bool) ([]store.Action, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.Int("action_count", len(ids)),
			attribute.Bool("force", force),
		))
	defer span.End()

	var updated []store.Action
	err := e.store.ExecuteTx(func(tx *sql.Tx) error {
		// The manager's collaborators write rules and receipt state
		// through the store while this transaction holds the only write
		// connection. Carrying the transaction on the context routes
		// those writes onto it instead of blocking on the pool.
		txCtx := store.WithTx(ctx, tx)

		if !force {
			status := store.StatusApproved
			approved, err := e.store.FindActionsTx(tx, store.ActionFilter{Status: &status})
			if err != nil {
				return fmt.Errorf("load approved actions: %w", err)
			}
			for _, a := range approved {
				updated = append(updated, e.executeOne(txCtx, tx, a))
			}
		}

		queued, err := e.store.FindActionsByIDsTx(tx, ids, store.StatusQueued)
		if err != nil {
			return fmt.Errorf("load queued actions: %w", err)
		}
		for _, a := range queued {
			updated = append(updated, e.executeOne(txCtx, tx, a))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute actions: %w", err)
	}
	return updated, nil
}

// executeOne dispatches a single action and records its outcome. It
// never returns an error: failure is an outcome, captured on the
// action itself.
func (e *Executor) executeOne(ctx context.Context, tx *sql.Tx, a store.Action) store.Action {
	ctx, span := e.tracer.Start(ctx, "executor.action",
		trace.WithAttributes(
			attribute.Int64("action.id", a.ID),
			attribute.String("action.type", a.Type),
		))
	defer span.End()

	txHash, err := e.dispatch(ctx, a)
	if err != nil {
		reason := err.Error()
		a.Status = store.StatusFailed
		a.FailureReason = &reason
		slog.Error("action failed", "id", a.ID, "type", a.Type, "error", err)
	} else {
		a.Status = store.StatusSuccess
		a.TransactionHash = txHash
		a.FailureReason = nil
		slog.Info("action succeeded", "id", a.ID, "type", a.Type)
	}

	if uerr := e.store.MarkActionTx(tx, a.ID, a.Status, a.TransactionHash, a.FailureReason); uerr != nil {
		slog.Error("record action outcome", "id", a.ID, "error", uerr)
	}
	e.store.AppendEvent("action."+a.Status, a.ID, a.FailureReason)
	return a
}

// dispatch maps an action to exactly one allocation manager call.
func (e *Executor) dispatch(ctx context.Context, a store.Action) (*string, error) {
	switch a.Type {
	case store.TypeAllocate:
		deployment, err := deploymentParam(a)
		if err != nil {
			return nil, err
		}
		amount, err := amountParam(a)
		if err != nil {
			return nil, err
		}
		result, err := e.manager.Allocate(ctx, deployment, amount)
		if err != nil {
			return nil, err
		}
		return hashString(result.TxHash), nil

	case store.TypeUnallocate:
		id, err := allocationParam(a)
		if err != nil {
			return nil, err
		}
		poi, err := poiParam(a)
		if err != nil {
			return nil, err
		}
		result, err := e.manager.Unallocate(ctx, id, poi, forceParam(a))
		if err != nil {
			return nil, err
		}
		return hashString(result.TxHash), nil

	case store.TypeReallocate:
		id, err := allocationParam(a)
		if err != nil {
			return nil, err
		}
		poi, err := poiParam(a)
		if err != nil {
			return nil, err
		}
		amount, err := amountParam(a)
		if err != nil {
			return nil, err
		}
		result, err := e.manager.Reallocate(ctx, id, poi, amount, forceParam(a))
		if err != nil {
			return nil, err
		}
		return hashString(result.TxHash), nil

	case store.TypeCollect:
		id, err := allocationParam(a)
		if err != nil {
			return nil, err
		}
		if _, err := e.manager.Collect(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// Unmapped types cannot come from the validated queue path; this is
	// a programming error, surfaced as a non-retried failure.
	return nil, fmt.Errorf("unmapped action type %q", a.Type)
}

func deploymentParam(a store.Action) (allocations.DeploymentID, error) {
	if a.DeploymentID == nil || *a.DeploymentID == "" {
		return "", fmt.Errorf("action %d has no deployment id", a.ID)
	}
	return allocations.DeploymentID(*a.DeploymentID), nil
}

func allocationParam(a store.Action) (common.Address, error) {
	if a.AllocationID == nil || !common.IsHexAddress(*a.AllocationID) {
		return common.Address{}, fmt.Errorf("action %d has no valid allocation id", a.ID)
	}
	return common.HexToAddress(*a.AllocationID), nil
}

func amountParam(a store.Action) (*big.Int, error) {
	if a.Amount == nil {
		return nil, fmt.Errorf("action %d has no amount", a.ID)
	}
	amount, ok := new(big.Int).SetString(*a.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("action %d has unparseable amount %q", a.ID, *a.Amount)
	}
	return amount, nil
}

func poiParam(a store.Action) (*common.Hash, error) {
	if a.POI == nil {
		return nil, nil
	}
	b, err := common.ParseHexOrString(*a.POI)
	if err != nil || len(b) != common.HashLength {
		return nil, fmt.Errorf("action %d has invalid poi %q", a.ID, *a.POI)
	}
	h := common.BytesToHash(b)
	return &h, nil
}

func forceParam(a store.Action) bool {
	return a.Force != nil && *a.Force
}

func hashString(h common.Hash) *string {
	s := h.Hex()
	return &s
}
