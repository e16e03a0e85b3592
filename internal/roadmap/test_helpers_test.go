package roadmap

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

type manualClock struct {
	seconds atomic.Int64
}

func newManualClock(seconds int64) *manualClock {
	clock := &manualClock{}
	clock.seconds.Store(seconds)
	return clock
}

func (c *manualClock) Now() time.Time {
	return time.Unix(c.seconds.Load(), 0).UTC()
}

func (c *manualClock) Set(seconds int64) {
	c.seconds.Store(seconds)
}

func newTestStore(t *testing.T, clock *manualClock) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:roadmap_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct roadmap store: %v", err)
	}
	return store, db
}

func seedRecord(t *testing.T, db *gorm.DB, record Record) {
	t.Helper()
	normalized, err := record.normalized()
	if err != nil {
		t.Fatalf("invalid seed record: %v", err)
	}
	if err := db.Create(&normalized).Error; err != nil {
		t.Fatalf("failed to seed record %d: %v", record.ID, err)
	}
}

func loadRecord(t *testing.T, db *gorm.DB, id int64) Record {
	t.Helper()
	var stored Record
	if err := db.Where("id = ?", id).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load record %d: %v", id, err)
	}
	return stored
}

func int64Pointer(value int64) *int64 {
	return &value
}
