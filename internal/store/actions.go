package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const actionColumns = `id, type, deployment_id, allocation_id, amount, poi, force,
	source, reason, priority, status, transaction_hash, failure_reason,
	created_at, updated_at`

// InsertActions persists new actions with status=queued and returns the
// stored records including their assigned ids. Runs on the write
// connection; callers batching with other writes pass a transaction.
func (s *Store) InsertActions(q querier, actions []Action) ([]Action, error) {
	if q == nil {
		q = s.db.Write
	}
	now := formatTime(time.Now())
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.Status == "" {
			a.Status = StatusQueued
		}
		res, err := q.Exec(`
			INSERT INTO actions (type, deployment_id, allocation_id, amount, poi, force,
				source, reason, priority, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Type, a.DeploymentID, a.AllocationID, a.Amount, a.POI, a.Force,
			a.Source, a.Reason, a.Priority, a.Status, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert action: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("action insert id: %w", err)
		}
		stored, err := getActionOn(q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, nil
}

// GetAction returns a single action by id from the read connection.
func (s *Store) GetAction(id int64) (*Action, error) {
	return getActionOn(s.db.Read, id)
}

func getActionOn(q querier, id int64) (*Action, error) {
	row := q.QueryRow("SELECT "+actionColumns+" FROM actions WHERE id = ?", id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("action %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get action %d: %w", id, err)
	}
	return a, nil
}

// FindActions returns all actions matching the exact-match filter,
// ordered by id.
func (s *Store) FindActions(filter ActionFilter) ([]Action, error) {
	return findActionsOn(s.db.Read, filter)
}

// FindActionsTx is FindActions inside an execution transaction, reading
// through the write connection so the view is consistent with pending
// updates.
func (s *Store) FindActionsTx(tx *sql.Tx, filter ActionFilter) ([]Action, error) {
	return findActionsOn(tx, filter)
}

func findActionsOn(q querier, filter ActionFilter) ([]Action, error) {
	where, args := filterPredicate(filter)
	query := "SELECT " + actionColumns + " FROM actions" + where + " ORDER BY id"
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// filterPredicate translates the typed filter into an equality WHERE
// clause. Nil fields add no predicate.
func filterPredicate(filter ActionFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, *filter.Type)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Source != nil {
		conds = append(conds, "source = ?")
		args = append(args, *filter.Source)
	}
	if filter.Reason != nil {
		conds = append(conds, "reason = ?")
		args = append(args, *filter.Reason)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindActionsByIDsTx returns the actions among ids currently in the
// given status, ordered by id.
func (s *Store) FindActionsByIDsTx(tx *sql.Tx, ids []int64, status string) ([]Action, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	holders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	for i, id := range ids {
		holders[i] = "?"
		args = append(args, id)
	}
	args = append(args, status)
	query := "SELECT " + actionColumns + " FROM actions WHERE id IN (" +
		strings.Join(holders, ",") + ") AND status = ? ORDER BY id"
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find actions by ids: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateStatusByIDs moves every action in ids whose status is in
// fromStatuses to toStatus. Returns the number of rows changed.
func (s *Store) UpdateStatusByIDs(ids []int64, fromStatuses []string, toStatus string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idHolders := make([]string, len(ids))
	args := []interface{}{toStatus, formatTime(time.Now())}
	for i, id := range ids {
		idHolders[i] = "?"
		args = append(args, id)
	}
	fromHolders := make([]string, len(fromStatuses))
	for i, st := range fromStatuses {
		fromHolders[i] = "?"
		args = append(args, st)
	}
	query := "UPDATE actions SET status = ?, updated_at = ? WHERE id IN (" +
		strings.Join(idHolders, ",") + ") AND status IN (" +
		strings.Join(fromHolders, ",") + ")"
	res, err := s.db.Write.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("update action status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update action status rows: %w", err)
	}
	return affected, nil
}

// MarkActionTx records an execution outcome for a single action inside
// the execution transaction.
func (s *Store) MarkActionTx(tx *sql.Tx, id int64, status string, txHash, failureReason *string) error {
	res, err := tx.Exec(`
		UPDATE actions SET status = ?, transaction_hash = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		status, txHash, failureReason, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark action %d %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark action %d rows: %w", id, err)
	}
	if affected != 1 {
		return NewNoRowsError("action %d disappeared during execution", id)
	}
	return nil
}

// ReplaceAction replaces an action by id. Errors unless exactly one row
// is affected.
func (s *Store) ReplaceAction(a Action) (*Action, error) {
	res, err := s.db.Write.Exec(`
		UPDATE actions SET type = ?, deployment_id = ?, allocation_id = ?, amount = ?,
			poi = ?, force = ?, source = ?, reason = ?, priority = ?, status = ?,
			transaction_hash = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		a.Type, a.DeploymentID, a.AllocationID, a.Amount, a.POI, a.Force,
		a.Source, a.Reason, a.Priority, a.Status,
		a.TransactionHash, a.FailureReason, formatTime(time.Now()), a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("replace action %d: %w", a.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("replace action %d rows: %w", a.ID, err)
	}
	if affected != 1 {
		return nil, NewNoRowsError("update of action %d affected %d rows, want 1", a.ID, affected)
	}
	return s.GetAction(a.ID)
}

// scanner is the subset of sql.Row/sql.Rows used by scanAction.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(sc scanner) (*Action, error) {
	var a Action
	var deploymentID, allocationID, amount, poi sql.NullString
	var force sql.NullBool
	var txHash, failureReason sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&a.ID, &a.Type, &deploymentID, &allocationID, &amount, &poi, &force,
		&a.Source, &a.Reason, &a.Priority, &a.Status, &txHash, &failureReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	setNullableString(&a.DeploymentID, deploymentID)
	setNullableString(&a.AllocationID, allocationID)
	setNullableString(&a.Amount, amount)
	setNullableString(&a.POI, poi)
	if force.Valid {
		a.Force = &force.Bool
	}
	setNullableString(&a.TransactionHash, txHash)
	setNullableString(&a.FailureReason, failureReason)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
