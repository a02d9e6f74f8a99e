package outbox

import (
	"testing"
	"time"

	"github.com/mimisupply/mimisync/internal/config"
	"github.com/mimisupply/mimisync/internal/db"
	apperrors "github.com/mimisupply/mimisync/internal/errors"
	"github.com/mimisupply/mimisync/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *db.Store) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	m := NewManager(store, config.Backoff{Base: 2 * time.Second, Cap: 8 * time.Second})
	// Deterministic backoff: take the full window instead of sampling.
	m.jitter = func(max time.Duration) time.Duration { return max }
	return m, store
}

func seedSyncedRecord(t *testing.T, store *db.Store, id string, fields models.Fields, tag string) {
	t.Helper()
	err := store.PutRecord(&models.Record{
		Type:       models.TypeOrder,
		ID:         id,
		Fields:     fields,
		VersionTag: tag,
		UpdatedAt:  time.Now().Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func orderTarget(id string) models.Target {
	return models.Target{Type: models.TypeOrder, ID: id}
}

func TestEnqueueCreateAppliesLocally(t *testing.T) {
	m, store := newTestManager(t)

	id, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatalf("failed to enqueue create: %v", err)
	}
	if id == "" {
		t.Fatal("expected a mutation id")
	}

	rec, err := store.GetRecord(models.TypeOrder, "1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Fields["status"] != "pending" {
		t.Errorf("expected optimistic local apply, got %+v", rec)
	}

	pending, _ := store.PendingMutations(nil)
	if len(pending) != 1 || pending[0].Op != models.OpCreate {
		t.Fatalf("expected one queued create, got %+v", pending)
	}
}

func TestEnqueueCreateDuplicate(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "other"})
	if apperrors.CodeOf(err) != apperrors.ErrDuplicate {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestEnqueueUpdateMissingRecord(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"status": "ready"})
	if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestUpdateCollapsesIntoPendingUpdate(t *testing.T) {
	m, store := newTestManager(t)
	seedSyncedRecord(t, store, "1", models.Fields{"status": "pending", "tip_cents": float64(0)}, "v1")

	first, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"status": "confirmed"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"tip_cents": float64(300)})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("collapsed update must keep the original mutation id")
	}

	pending, _ := store.PendingMutations(nil)
	if len(pending) != 1 {
		t.Fatalf("expected a single collapsed mutation, got %d", len(pending))
	}
	mut := pending[0]
	if mut.Payload["status"] != "confirmed" || mut.Payload["tip_cents"] != float64(300) {
		t.Errorf("expected merged payload, got %v", mut.Payload)
	}
	if mut.BaseVersionTag != "v1" {
		t.Errorf("collapse must keep the original base tag, got %q", mut.BaseVersionTag)
	}

	rec, _ := store.GetRecord(models.TypeOrder, "1")
	if rec.Fields["status"] != "confirmed" || rec.Fields["tip_cents"] != float64(300) {
		t.Errorf("expected both edits applied locally, got %v", rec.Fields)
	}
}

func TestUpdateCollapsesIntoPendingCreate(t *testing.T) {
	m, store := newTestManager(t)

	createID, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	updateID, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"status": "confirmed"})
	if err != nil {
		t.Fatal(err)
	}
	if createID != updateID {
		t.Error("update must fold into the unsent create")
	}

	pending, _ := store.PendingMutations(nil)
	if len(pending) != 1 {
		t.Fatalf("expected one queued mutation, got %d", len(pending))
	}
	if pending[0].Op != models.OpCreate {
		t.Errorf("folded mutation must stay a create, got %s", pending[0].Op)
	}
	if pending[0].Payload["status"] != "confirmed" {
		t.Errorf("expected updated payload in the create, got %v", pending[0].Payload)
	}
}

func TestCollapseKeepsQueuePosition(t *testing.T) {
	m, store := newTestManager(t)
	seedSyncedRecord(t, store, "1", models.Fields{"status": "pending"}, "v1")

	if _, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"status": "confirmed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(models.OpCreate, orderTarget("2"), models.Fields{"status": "pending"}); err != nil {
		t.Fatal(err)
	}
	// Collapsing into the first mutation must not push it behind target 2.
	if _, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"eta": "12:30"}); err != nil {
		t.Fatal(err)
	}

	pending, _ := store.PendingMutations(nil)
	if len(pending) != 2 {
		t.Fatalf("expected 2 queued mutations, got %d", len(pending))
	}
	if pending[0].ID != "1" {
		t.Error("collapsed mutation must keep its queue position")
	}
}

func TestDeleteCancelsUnsentCreate(t *testing.T) {
	m, store := newTestManager(t)

	if _, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(models.OpDelete, orderTarget("1"), nil); err != nil {
		t.Fatal(err)
	}

	if n, _ := store.PendingCount(); n != 0 {
		t.Errorf("expected outbox empty after create+delete cancel, got %d", n)
	}
	if rec, _ := store.GetRecord(models.TypeOrder, "1"); rec != nil {
		t.Error("expected record gone; the remote never saw it")
	}
}

func TestDeleteSupersedesPendingUpdate(t *testing.T) {
	m, store := newTestManager(t)
	seedSyncedRecord(t, store, "1", models.Fields{"status": "pending"}, "v1")

	if _, err := m.Enqueue(models.OpUpdate, orderTarget("1"), models.Fields{"status": "confirmed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(models.OpDelete, orderTarget("1"), nil); err != nil {
		t.Fatal(err)
	}

	pending, _ := store.PendingMutations(nil)
	if len(pending) != 1 {
		t.Fatalf("expected only the delete queued, got %d", len(pending))
	}
	if pending[0].Op != models.OpDelete {
		t.Errorf("expected delete, got %s", pending[0].Op)
	}
	if pending[0].BaseVersionTag != "v1" {
		t.Errorf("delete must carry the synced base tag, got %q", pending[0].BaseVersionTag)
	}

	rec, _ := store.GetRecord(models.TypeOrder, "1")
	if rec == nil || !rec.Deleted {
		t.Errorf("expected local tombstone, got %+v", rec)
	}
}

func TestPeekBatchOnePerTarget(t *testing.T) {
	m, _ := newTestManager(t)

	for _, id := range []string{"1", "2", "3"} {
		if _, err := m.Enqueue(models.OpCreate, orderTarget(id), models.Fields{"status": "pending"}); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := m.PeekBatch(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch capped at 2, got %d", len(batch))
	}
	if batch[0].ID != "1" || batch[1].ID != "2" {
		t.Errorf("expected oldest-first order, got %s then %s", batch[0].ID, batch[1].ID)
	}

	batch, err = m.PeekBatch(4, map[string]bool{"order/1": true})
	if err != nil {
		t.Fatal(err)
	}
	for _, mut := range batch {
		if mut.ID == "1" {
			t.Error("excluded target must not appear in the batch")
		}
	}
}

func TestPeekBatchSkipsBackoffAndHalted(t *testing.T) {
	m, store := newTestManager(t)

	backoffID, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(models.OpCreate, orderTarget("2"), models.Fields{"status": "pending"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enqueue(models.OpCreate, orderTarget("3"), models.Fields{"status": "pending"}); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkFailed(backoffID, apperrors.New(apperrors.ErrSyncTimeout, "timed out"), true); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertConflict(&models.ConflictRecord{
		ID:       "c-1",
		Type:     models.TypeOrder,
		RecordID: "2",
		State:    models.ConflictPending,
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := m.PeekBatch(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].ID != "3" {
		t.Fatalf("expected only target 3 ready, got %+v", batch)
	}
}

func TestMarkFailedBackoffDoublesAndCaps(t *testing.T) {
	m, store := newTestManager(t)

	id, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}

	// Base 2s, cap 8s with identity jitter: 2, 4, 8, 8.
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	cause := apperrors.New(apperrors.ErrSyncOffline, "unreachable")

	for attempt, delay := range want {
		before := time.Now()
		if err := m.MarkFailed(id, cause, true); err != nil {
			t.Fatal(err)
		}
		mut, err := store.GetMutation(id)
		if err != nil {
			t.Fatal(err)
		}
		if mut.AttemptCount != attempt+1 {
			t.Errorf("attempt %d: expected count %d, got %d", attempt+1, attempt+1, mut.AttemptCount)
		}
		lo := before.Add(delay).Unix() - 1
		hi := time.Now().Add(delay).Unix() + 1
		if mut.NextAttemptAt < lo || mut.NextAttemptAt > hi {
			t.Errorf("attempt %d: next_attempt_at %d outside [%d, %d]", attempt+1, mut.NextAttemptAt, lo, hi)
		}
		if mut.LastError == "" {
			t.Error("expected last error recorded")
		}
	}
}

func TestMarkFailedPermanentDeadLetters(t *testing.T) {
	m, store := newTestManager(t)

	id, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}

	cause := apperrors.New(apperrors.ErrSyncRejected, "schema validation failed")
	if err := m.MarkFailed(id, cause, false); err != nil {
		t.Fatal(err)
	}

	if n, _ := store.PendingCount(); n != 0 {
		t.Errorf("expected outbox drained, got %d", n)
	}
	letters, _ := m.DeadLetters()
	if len(letters) != 1 || letters[0].MutationID != id {
		t.Fatalf("expected the mutation dead-lettered, got %+v", letters)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	m, store := newTestManager(t)

	id, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFailed(id, apperrors.New(apperrors.ErrSyncRejected, "rejected"), false); err != nil {
		t.Fatal(err)
	}

	if err := m.RequeueDeadLetter(id); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}

	mut, _ := store.GetMutation(id)
	if mut == nil {
		t.Fatal("expected mutation back in the outbox")
	}
	if mut.AttemptCount != 0 || mut.NextAttemptAt != 0 {
		t.Error("requeued mutation must start with fresh retry state")
	}
	if letters, _ := m.DeadLetters(); len(letters) != 0 {
		t.Error("expected dead letter removed after requeue")
	}

	if err := m.RequeueDeadLetter("no-such"); apperrors.CodeOf(err) != apperrors.ErrNotFound {
		t.Errorf("expected not-found for unknown dead letter, got %v", err)
	}
}

func TestResetBackoffClearsTimers(t *testing.T) {
	m, store := newTestManager(t)

	id, err := m.Enqueue(models.OpCreate, orderTarget("1"), models.Fields{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkFailed(id, apperrors.New(apperrors.ErrSyncOffline, "unreachable"), true); err != nil {
		t.Fatal(err)
	}

	if batch, _ := m.PeekBatch(4, nil); len(batch) != 0 {
		t.Fatal("expected mutation inside its backoff window")
	}

	if err := m.ResetBackoff(); err != nil {
		t.Fatal(err)
	}
	batch, _ := m.PeekBatch(4, nil)
	if len(batch) != 1 {
		t.Error("expected mutation ready immediately after reset")
	}

	mut, _ := store.GetMutation(id)
	if mut.NextAttemptAt != 0 {
		t.Errorf("expected timer cleared, got %d", mut.NextAttemptAt)
	}
}
