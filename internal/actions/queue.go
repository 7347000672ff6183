package actions

import (
	"fmt"
	"log/slog"

	"github.com/corvohq/allocd/internal/store"
)

// Queue owns the action state machine up to execution: create, filter,
// approve, cancel, update. Execution belongs to the Executor.
type Queue struct {
	store *store.Store
}

func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Queue validates and persists the actions with status=queued,
// returning the stored records including their assigned ids. An
// incomplete batch is rejected as a whole with an error listing every
// missing required field.
func (q *Queue) Queue(actions []store.Action) ([]store.Action, error) {
	if len(actions) == 0 {
		return nil, &ValidationError{Fields: []string{"at least one action is required"}}
	}
	if err := validateActions(actions); err != nil {
		return nil, err
	}

	// The queue owns the lifecycle fields. Every action enters as
	// queued with no recorded outcome, regardless of what the caller
	// put there; only approve and execute move status forward.
	for i := range actions {
		actions[i].ID = 0
		actions[i].Status = store.StatusQueued
		actions[i].TransactionHash = nil
		actions[i].FailureReason = nil
	}

	stored, err := q.store.InsertActions(nil, actions)
	if err != nil {
		return nil, fmt.Errorf("queue actions: %w", err)
	}
	for _, a := range stored {
		q.store.AppendEvent("action.queued", a.ID, a)
		slog.Info("action queued", "id", a.ID, "type", a.Type, "source", a.Source)
	}
	return stored, nil
}

// Fetch returns all actions matching the exact-match filter.
func (q *Queue) Fetch(filter store.ActionFilter) ([]store.Action, error) {
	if filter.Type != nil && !store.ValidType(*filter.Type) {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("unknown type %q", *filter.Type)}}
	}
	if filter.Status != nil && !store.ValidStatus(*filter.Status) {
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("unknown status %q", *filter.Status)}}
	}
	return q.store.FindActions(filter)
}

// Approve marks queued actions as approved, ready for the next
// execution pass. Approval only moves actions forward: terminal or
// canceled actions are never resurrected, and ids that match nothing
// are an error rather than a silent no-op.
func (q *Queue) Approve(ids []int64) ([]store.Action, error) {
	affected, err := q.store.UpdateStatusByIDs(ids, []string{store.StatusQueued}, store.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("approve actions: %w", err)
	}
	if affected == 0 {
		return nil, store.NewNoRowsError("no actions were approved: ids %v not found or not queued", ids)
	}
	updated, err := q.fetchByIDs(ids)
	if err != nil {
		return nil, err
	}
	for _, a := range updated {
		if a.Status == store.StatusApproved {
			q.store.AppendEvent("action.approved", a.ID, nil)
			slog.Info("action approved", "id", a.ID, "type", a.Type)
		}
	}
	return updated, nil
}

// Cancel marks queued or approved actions as canceled. Cancellation is
// forward-only; a canceled action cannot be approved again.
func (q *Queue) Cancel(ids []int64) ([]store.Action, error) {
	affected, err := q.store.UpdateStatusByIDs(ids,
		[]string{store.StatusQueued, store.StatusApproved}, store.StatusCanceled)
	if err != nil {
		return nil, fmt.Errorf("cancel actions: %w", err)
	}
	if affected == 0 {
		return nil, store.NewNoRowsError("no actions were canceled: ids %v not found or already terminal", ids)
	}
	updated, err := q.fetchByIDs(ids)
	if err != nil {
		return nil, err
	}
	for _, a := range updated {
		if a.Status == store.StatusCanceled {
			q.store.AppendEvent("action.canceled", a.ID, nil)
			slog.Info("action canceled", "id", a.ID, "type", a.Type)
		}
	}
	return updated, nil
}

// Update replaces a single action by id. Fails unless exactly one row
// is affected.
func (q *Queue) Update(a store.Action) (*store.Action, error) {
	if err := validateActions([]store.Action{a}); err != nil {
		return nil, err
	}
	updated, err := q.store.ReplaceAction(a)
	if err != nil {
		return nil, err
	}
	q.store.AppendEvent("action.updated", updated.ID, updated)
	return updated, nil
}

func (q *Queue) fetchByIDs(ids []int64) ([]store.Action, error) {
	out := make([]store.Action, 0, len(ids))
	for _, id := range ids {
		a, err := q.store.GetAction(id)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}
