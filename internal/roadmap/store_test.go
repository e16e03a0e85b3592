package roadmap

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "roadmap.store.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestInsertOrUpdateStampsEditTime(t *testing.T) {
	clock := newManualClock(1000)
	store, _ := newTestStore(t, clock)
	ctx := context.Background()

	created, err := store.InsertOrUpdate(ctx, Record{ID: 1, Name: "Plan"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.EditTime != 1000 || created.AddTime != 1000 {
		t.Fatalf("expected addtime and edittime to equal now, got %d/%d", created.AddTime, created.EditTime)
	}

	clock.Set(1500)
	updated, err := store.InsertOrUpdate(ctx, Record{ID: 1, Name: "Plan v2", AddTime: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.EditTime != 1500 {
		t.Fatalf("expected edittime 1500, got %d", updated.EditTime)
	}
	if updated.AddTime != 1000 {
		t.Fatalf("expected addtime to stay immutable, got %d", updated.AddTime)
	}
}

func TestInsertOrUpdateKeepsSuppliedEditTime(t *testing.T) {
	clock := newManualClock(1000)
	store, db := newTestStore(t, clock)

	if _, err := store.InsertOrUpdate(context.Background(), Record{ID: 9, Name: "Peer", EditTime: 700}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := loadRecord(t, db, 9)
	if stored.EditTime != 700 {
		t.Fatalf("expected supplied edittime to be preserved, got %d", stored.EditTime)
	}
}

func TestInsertOrUpdateNeverRewindsEditTime(t *testing.T) {
	clock := newManualClock(1000)
	store, db := newTestStore(t, clock)
	seedRecord(t, db, Record{ID: 2, Name: "Future", AddTime: 900, EditTime: 5000})

	updated, err := store.InsertOrUpdate(context.Background(), Record{ID: 2, Name: "Lagging clock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.EditTime != 5001 {
		t.Fatalf("expected edittime to move past the stored value, got %d", updated.EditTime)
	}
}

func TestSoftDeleteTombstonesAndBumpsEditTime(t *testing.T) {
	clock := newManualClock(2000)
	store, db := newTestStore(t, clock)
	seedRecord(t, db, Record{ID: 5, OwnerID: 3, Name: "Doomed", AddTime: 100, EditTime: 100})

	deleted, err := store.SoftDelete(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted.IsDeleted || deleted.EditTime != 2000 {
		t.Fatalf("unexpected tombstone state %#v", deleted)
	}

	active, err := store.ListActive(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected tombstone to be hidden from list_active, got %d rows", len(active))
	}

	since, err := store.ListSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(since) != 1 || !since[0].IsDeleted {
		t.Fatalf("expected tombstone to replicate, got %#v", since)
	}
}

func TestSoftDeleteUnknownRecord(t *testing.T) {
	store, _ := newTestStore(t, newManualClock(2000))

	_, err := store.SoftDelete(context.Background(), 404)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListActiveOrdering(t *testing.T) {
	store, db := newTestStore(t, newManualClock(5000))
	seedRecord(t, db, Record{ID: 1, OwnerID: 1, OrderKey: 2, EditTime: 300})
	seedRecord(t, db, Record{ID: 2, OwnerID: 1, OrderKey: 1, EditTime: 100})
	seedRecord(t, db, Record{ID: 3, OwnerID: 1, OrderKey: 1, EditTime: 400})
	seedRecord(t, db, Record{ID: 4, OwnerID: 2, OrderKey: 0, EditTime: 400})
	seedRecord(t, db, Record{ID: 5, OwnerID: 1, OrderKey: 0, EditTime: 50})

	records, err := store.ListActive(context.Background(), 1, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []int64{3, 2, 1}
	if len(records) != len(expected) {
		t.Fatalf("expected %d records, got %d", len(expected), len(records))
	}
	for index, id := range expected {
		if records[index].ID != id {
			t.Fatalf("unexpected order at %d: got id %d want %d", index, records[index].ID, id)
		}
	}
}

func TestListSinceAscendingIncludesTombstones(t *testing.T) {
	store, db := newTestStore(t, newManualClock(5000))
	seedRecord(t, db, Record{ID: 1, EditTime: 300})
	seedRecord(t, db, Record{ID: 2, EditTime: 100, IsDeleted: true})
	seedRecord(t, db, Record{ID: 3, EditTime: 200})

	records, err := store.ListSince(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 || records[0].ID != 3 || records[1].ID != 1 {
		t.Fatalf("unexpected delta %#v", records)
	}
}

func TestGetEditTime(t *testing.T) {
	store, db := newTestStore(t, newManualClock(5000))
	seedRecord(t, db, Record{ID: 1, EditTime: 321})

	editTime, found, err := store.GetEditTime(context.Background(), 1)
	if err != nil || !found || editTime != 321 {
		t.Fatalf("unexpected result %d/%v/%v", editTime, found, err)
	}
	_, found, err = store.GetEditTime(context.Background(), 2)
	if err != nil || found {
		t.Fatalf("expected absent record, got found=%v err=%v", found, err)
	}
}

func TestScanAndAdvanceDueCycleTasks(t *testing.T) {
	clock := newManualClock(10000)
	store, db := newTestStore(t, clock)
	seedRecord(t, db, Record{ID: 1, Name: "due planned", EditTime: 100, IsCycleTask: true, Status: StatusPlanned, NextReminderTime: int64Pointer(9000)})
	seedRecord(t, db, Record{ID: 2, Name: "due working", EditTime: 100, IsCycleTask: true, Status: StatusWorking, NextReminderTime: int64Pointer(9500)})
	seedRecord(t, db, Record{ID: 3, Name: "future", EditTime: 100, IsCycleTask: true, Status: StatusPlanned, NextReminderTime: int64Pointer(20000)})
	seedRecord(t, db, Record{ID: 4, Name: "completed", EditTime: 100, IsCycleTask: true, Status: StatusCompleted, NextReminderTime: int64Pointer(10)})
	seedRecord(t, db, Record{ID: 5, Name: "deleted", EditTime: 100, IsCycleTask: true, IsDeleted: true, NextReminderTime: int64Pointer(10)})
	seedRecord(t, db, Record{ID: 6, Name: "plain", EditTime: 100, NextReminderTime: int64Pointer(10)})

	due, err := store.ScanDueCycleTasks(context.Background(), clock.Now().Unix())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 2 || due[0].ID != 1 || due[1].ID != 2 {
		t.Fatalf("unexpected due records %#v", due)
	}

	advanced, err := store.AdvanceOverdueToWorking(context.Background(), clock.Now().Unix())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("expected one promoted record, got %d", advanced)
	}
	promoted := loadRecord(t, db, 1)
	if promoted.Status != StatusWorking || promoted.EditTime != 10000 {
		t.Fatalf("unexpected promoted state %#v", promoted)
	}
	untouched := loadRecord(t, db, 2)
	if untouched.EditTime != 100 {
		t.Fatalf("expected working record edittime to stay, got %d", untouched.EditTime)
	}
}

func TestAdvanceOverdueWithNothingDue(t *testing.T) {
	store, _ := newTestStore(t, newManualClock(10000))

	advanced, err := store.AdvanceOverdueToWorking(context.Background(), 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("expected no updates, got %d", advanced)
	}
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	store, db := newTestStore(t, newManualClock(10000))
	seedRecord(t, db, Record{ID: 1, Name: "Local", EditTime: 200})
	seedRecord(t, db, Record{ID: 5, Name: "Alive", EditTime: 390})

	batch := []Record{
		{ID: 1, Name: "Peer older", EditTime: 150},
		{ID: 2, Name: "Fresh", EditTime: 250},
		{ID: 5, Name: "Alive", EditTime: 400, IsDeleted: true},
	}

	first, err := store.ApplyRemote(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Applied != 2 {
		t.Fatalf("expected 2 applied rows, got %d", first.Applied)
	}
	second, err := store.ApplyRemote(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Applied != 0 {
		t.Fatalf("expected replay to apply nothing, got %d", second.Applied)
	}

	if stored := loadRecord(t, db, 1); stored.Name != "Local" {
		t.Fatalf("expected local newer row to win, got %q", stored.Name)
	}
	tombstone := loadRecord(t, db, 5)
	if !tombstone.IsDeleted || tombstone.EditTime != 400 {
		t.Fatalf("expected delete to propagate, got %#v", tombstone)
	}

	resurrect, err := store.ApplyRemote(context.Background(), []Record{{ID: 5, Name: "Alive", EditTime: 399}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resurrect.Applied != 0 || !loadRecord(t, db, 5).IsDeleted {
		t.Fatalf("expected older write not to resurrect tombstone")
	}
}

func TestApplyRemoteRollsBackInvalidBatch(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	clock := newManualClock(10000)
	store, db := newTestStore(t, clock)
	store.logger = zap.New(core)

	_, err := store.ApplyRemote(context.Background(), []Record{
		{ID: 1, Name: "valid", EditTime: 100},
		{ID: -4, Name: "invalid", EditTime: 100},
	})
	if !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected invalid record error, got %v", err)
	}

	var count int64
	if err := db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to leave no rows, got %d", count)
	}
	if logs.FilterField(zap.String("operation", opApplyRemote)).Len() != 1 {
		t.Fatalf("expected one logged apply failure, got %d", logs.Len())
	}
}

func TestApplyRemoteCommutesForDisjointBatches(t *testing.T) {
	batchA := []Record{{ID: 1, Name: "a", EditTime: 10}, {ID: 2, Name: "b", EditTime: 20}}
	batchB := []Record{{ID: 3, Name: "c", EditTime: 15}}

	first, firstDB := newTestStore(t, newManualClock(100))
	second, secondDB := newTestStore(t, newManualClock(100))
	for _, batch := range [][]Record{batchA, batchB} {
		if _, err := first.ApplyRemote(context.Background(), batch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, batch := range [][]Record{batchB, batchA} {
		if _, err := second.ApplyRemote(context.Background(), batch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for _, id := range []int64{1, 2, 3} {
		if loadRecord(t, firstDB, id) != loadRecord(t, secondDB, id) {
			t.Fatalf("expected identical state for id %d", id)
		}
	}
}

func TestGetReturnsRecordOrNotFound(t *testing.T) {
	store, db := newTestStore(t, newManualClock(100))
	seedRecord(t, db, Record{ID: 8, OwnerID: 2, Name: "Gone", EditTime: 50, IsDeleted: true})

	record, err := store.Get(context.Background(), 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.OwnerID != 2 || !record.IsDeleted {
		t.Fatalf("unexpected record %#v", record)
	}
	if _, err := store.Get(context.Background(), 9); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestLocalMutationsWinOnPeerWhenClockLags(t *testing.T) {
	peerClock := newManualClock(1000)
	peer, peerDB := newTestStore(t, peerClock)
	localClock := newManualClock(990)
	local, localDB := newTestStore(t, localClock)

	dueAt := int64(900)
	for _, db := range []*gorm.DB{peerDB, localDB} {
		seedRecord(t, db, Record{ID: 7, Name: "doomed", EditTime: 1000})
		seedRecord(t, db, Record{ID: 8, Name: "peer", EditTime: 1000})
		seedRecord(t, db, Record{ID: 9, Name: "chore", Status: StatusPlanned, EditTime: 1000, IsCycleTask: true, NextReminderTime: &dueAt})
	}

	ctx := context.Background()
	if _, err := local.SoftDelete(ctx, 7); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	if _, err := local.InsertOrUpdate(ctx, Record{ID: 8, Name: "local"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if advanced, err := local.AdvanceOverdueToWorking(ctx, localClock.Now().Unix()); err != nil || advanced != 1 {
		t.Fatalf("expected one promotion, got %d (%v)", advanced, err)
	}

	delta, err := local.ListSince(ctx, 1000)
	if err != nil {
		t.Fatalf("list since failed: %v", err)
	}
	if len(delta) != 3 {
		t.Fatalf("expected all three local mutations past the shared edittime, got %d", len(delta))
	}
	result, err := peer.ApplyRemote(ctx, delta)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Applied != 3 {
		t.Fatalf("expected peer to accept every local mutation, applied %d", result.Applied)
	}
	if tombstone := loadRecord(t, peerDB, 7); !tombstone.IsDeleted {
		t.Fatalf("expected delete to reach the peer, got %#v", tombstone)
	}
	if edited := loadRecord(t, peerDB, 8); edited.Name != "local" {
		t.Fatalf("expected edit to reach the peer, got %q", edited.Name)
	}
	if promoted := loadRecord(t, peerDB, 9); promoted.Status != StatusWorking {
		t.Fatalf("expected promotion to reach the peer, got %s", promoted.Status)
	}
}
