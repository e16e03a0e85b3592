package roadmap

import "testing"

func TestResolveIncomingInsertsUnseenRecord(t *testing.T) {
	incoming := Record{ID: 7, Name: "peer", EditTime: 100, IsDeleted: true}

	outcome := resolveIncoming(nil, incoming)
	if !outcome.Accepted || !outcome.Inserted {
		t.Fatalf("expected unseen record to be inserted, got %#v", outcome)
	}
	if !outcome.Stored.IsDeleted {
		t.Fatalf("expected tombstone flag to be preserved verbatim")
	}
	if outcome.Stored.AddTime != 100 {
		t.Fatalf("expected addtime to default to edittime, got %d", outcome.Stored.AddTime)
	}
}

func TestResolveIncomingAcceptsStrictlyNewer(t *testing.T) {
	existing := &Record{ID: 1, Name: "Local", AddTime: 50, EditTime: 200}
	incoming := Record{ID: 1, Name: "Peer", AddTime: 90, EditTime: 300}

	outcome := resolveIncoming(existing, incoming)
	if !outcome.Accepted || outcome.Inserted {
		t.Fatalf("expected update outcome, got %#v", outcome)
	}
	if outcome.Stored.Name != "Peer" {
		t.Fatalf("expected peer name to win, got %q", outcome.Stored.Name)
	}
	if outcome.Stored.AddTime != 50 {
		t.Fatalf("expected addtime to stay immutable, got %d", outcome.Stored.AddTime)
	}
}

func TestResolveIncomingRejectsOlderAndEqual(t *testing.T) {
	existing := &Record{ID: 1, Name: "Local", EditTime: 200}

	testCases := []struct {
		name     string
		editTime int64
	}{
		{name: "older", editTime: 150},
		{name: "equal", editTime: 200},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			outcome := resolveIncoming(existing, Record{ID: 1, Name: "Peer", EditTime: testCase.editTime})
			if outcome.Accepted {
				t.Fatalf("expected %s edittime to be rejected", testCase.name)
			}
			if outcome.Stored.Name != "Local" {
				t.Fatalf("expected local state to be kept, got %q", outcome.Stored.Name)
			}
		})
	}
}

func TestRecordNormalizedFillsDefaults(t *testing.T) {
	normalized, err := Record{ID: 3, EditTime: 10, Status: " working "}.normalized()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if normalized.Color != DefaultColor {
		t.Fatalf("expected default color, got %q", normalized.Color)
	}
	if normalized.OwnerID != DefaultOwnerID {
		t.Fatalf("expected default owner, got %d", normalized.OwnerID)
	}
	if normalized.Status != StatusWorking {
		t.Fatalf("expected status to be upper-cased, got %q", normalized.Status)
	}

	if _, err := (Record{ID: 0, EditTime: 10}).normalized(); err == nil {
		t.Fatalf("expected zero id to be rejected")
	}
	if _, err := (Record{ID: 1, EditTime: -1}).normalized(); err == nil {
		t.Fatalf("expected negative edittime to be rejected")
	}
}

func TestRecordIsDue(t *testing.T) {
	due := Record{ID: 1, IsCycleTask: true, Status: StatusPlanned, NextReminderTime: int64Pointer(100)}
	if !due.IsDue(100) {
		t.Fatalf("expected record to be due at its reminder time")
	}
	if due.IsDue(99) {
		t.Fatalf("expected record not to be due before its reminder time")
	}
	completed := due
	completed.Status = StatusCompleted
	if completed.IsDue(200) {
		t.Fatalf("expected completed record to be ignored")
	}
	deleted := due
	deleted.IsDeleted = true
	if deleted.IsDue(200) {
		t.Fatalf("expected tombstone to be ignored")
	}
}
