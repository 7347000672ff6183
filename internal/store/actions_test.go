package store

import (
	"database/sql"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func queuedAllocate(deployment, amount string) Action {
	return Action{
		Type:         TypeAllocate,
		DeploymentID: strPtr(deployment),
		Amount:       strPtr(amount),
		Source:       "test",
		Reason:       "test",
	}
}

func TestInsertActionsAssignsMonotonicIDs(t *testing.T) {
	s := testStore(t)

	stored, err := s.InsertActions(nil, []Action{
		queuedAllocate("QmAAA", "100"),
		queuedAllocate("QmBBB", "200"),
		queuedAllocate("QmCCC", "300"),
	})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d actions, want 3", len(stored))
	}
	for i, a := range stored {
		if a.Status != StatusQueued {
			t.Errorf("action %d status = %q, want queued", i, a.Status)
		}
		if i > 0 && stored[i].ID <= stored[i-1].ID {
			t.Errorf("ids not monotonic: %d after %d", stored[i].ID, stored[i-1].ID)
		}
	}
}

func TestGetActionRoundTrip(t *testing.T) {
	s := testStore(t)

	force := true
	in := Action{
		Type:         TypeUnallocate,
		AllocationID: strPtr("0x1111111111111111111111111111111111111111"),
		POI:          strPtr("0x" + "22"),
		Force:        &force,
		Source:       "cli",
		Reason:       "manual",
		Priority:     5,
	}
	stored, err := s.InsertActions(nil, []Action{in})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}

	got, err := s.GetAction(stored[0].ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Type != TypeUnallocate {
		t.Errorf("type = %q", got.Type)
	}
	if got.AllocationID == nil || *got.AllocationID != *in.AllocationID {
		t.Errorf("allocation_id = %v, want %v", got.AllocationID, *in.AllocationID)
	}
	if got.Force == nil || !*got.Force {
		t.Errorf("force = %v, want true", got.Force)
	}
	if got.DeploymentID != nil {
		t.Errorf("deployment_id should be nil, got %v", *got.DeploymentID)
	}
	if got.Priority != 5 {
		t.Errorf("priority = %d, want 5", got.Priority)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestGetActionNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetAction(9999)
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestFindActionsFilters(t *testing.T) {
	s := testStore(t)

	collect := Action{
		Type:         TypeCollect,
		AllocationID: strPtr("0x1111111111111111111111111111111111111111"),
		Source:       "worker",
		Reason:       "sweep",
	}
	if _, err := s.InsertActions(nil, []Action{
		queuedAllocate("QmAAA", "100"),
		queuedAllocate("QmBBB", "200"),
		collect,
	}); err != nil {
		t.Fatalf("InsertActions: %v", err)
	}

	all, err := s.FindActions(ActionFilter{})
	if err != nil {
		t.Fatalf("FindActions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered = %d actions, want 3", len(all))
	}

	typ := TypeAllocate
	allocs, err := s.FindActions(ActionFilter{Type: &typ})
	if err != nil {
		t.Fatalf("FindActions(type): %v", err)
	}
	if len(allocs) != 2 {
		t.Errorf("type=allocate = %d actions, want 2", len(allocs))
	}

	src := "worker"
	reason := "sweep"
	both, err := s.FindActions(ActionFilter{Source: &src, Reason: &reason})
	if err != nil {
		t.Fatalf("FindActions(source,reason): %v", err)
	}
	if len(both) != 1 || both[0].Type != TypeCollect {
		t.Errorf("source+reason filter = %+v, want the collect action", both)
	}
}

func TestUpdateStatusByIDsRespectsFromStatuses(t *testing.T) {
	s := testStore(t)

	stored, err := s.InsertActions(nil, []Action{
		queuedAllocate("QmAAA", "100"),
		queuedAllocate("QmBBB", "200"),
	})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}
	first, second := stored[0].ID, stored[1].ID

	affected, err := s.UpdateStatusByIDs([]int64{first}, []string{StatusQueued}, StatusApproved)
	if err != nil {
		t.Fatalf("UpdateStatusByIDs: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}

	// Approving again finds nothing queued.
	affected, err = s.UpdateStatusByIDs([]int64{first}, []string{StatusQueued}, StatusApproved)
	if err != nil {
		t.Fatalf("UpdateStatusByIDs again: %v", err)
	}
	if affected != 0 {
		t.Errorf("re-approve affected = %d, want 0", affected)
	}

	// Canceling from either queued or approved hits both.
	affected, err = s.UpdateStatusByIDs([]int64{first, second},
		[]string{StatusQueued, StatusApproved}, StatusCanceled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if affected != 2 {
		t.Errorf("cancel affected = %d, want 2", affected)
	}

	got, _ := s.GetAction(first)
	if got.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
}

func TestMarkActionTxRecordsOutcome(t *testing.T) {
	s := testStore(t)

	stored, err := s.InsertActions(nil, []Action{queuedAllocate("QmAAA", "100")})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}
	id := stored[0].ID

	txHash := "0xabc"
	err = s.ExecuteTx(func(tx *sql.Tx) error {
		return s.MarkActionTx(tx, id, StatusSuccess, &txHash, nil)
	})
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}

	got, _ := s.GetAction(id)
	if got.Status != StatusSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.TransactionHash == nil || *got.TransactionHash != txHash {
		t.Errorf("tx hash = %v, want %q", got.TransactionHash, txHash)
	}

	err = s.ExecuteTx(func(tx *sql.Tx) error {
		return s.MarkActionTx(tx, 9999, StatusFailed, nil, nil)
	})
	if !IsNoRows(err) {
		t.Errorf("marking a missing action = %v, want no-rows", err)
	}
}

func TestReplaceActionRequiresExistingRow(t *testing.T) {
	s := testStore(t)

	stored, err := s.InsertActions(nil, []Action{queuedAllocate("QmAAA", "100")})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}

	updated := stored[0]
	updated.Amount = strPtr("999")
	got, err := s.ReplaceAction(updated)
	if err != nil {
		t.Fatalf("ReplaceAction: %v", err)
	}
	if got.Amount == nil || *got.Amount != "999" {
		t.Errorf("amount = %v, want 999", got.Amount)
	}

	missing := updated
	missing.ID = 9999
	if _, err := s.ReplaceAction(missing); !IsNoRows(err) {
		t.Errorf("replace of missing action = %v, want no-rows", err)
	}
}

func TestFindActionsByIDsTxFiltersStatus(t *testing.T) {
	s := testStore(t)

	stored, err := s.InsertActions(nil, []Action{
		queuedAllocate("QmAAA", "100"),
		queuedAllocate("QmBBB", "200"),
	})
	if err != nil {
		t.Fatalf("InsertActions: %v", err)
	}
	if _, err := s.UpdateStatusByIDs([]int64{stored[0].ID}, []string{StatusQueued}, StatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err = s.ExecuteTx(func(tx *sql.Tx) error {
		queued, err := s.FindActionsByIDsTx(tx, []int64{stored[0].ID, stored[1].ID}, StatusQueued)
		if err != nil {
			return err
		}
		if len(queued) != 1 || queued[0].ID != stored[1].ID {
			t.Errorf("queued subset = %+v, want only action %d", queued, stored[1].ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteTx: %v", err)
	}
}
