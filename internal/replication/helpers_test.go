package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

func newTestStore(t *testing.T, clock func() time.Time) (*roadmap.Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:replication_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&roadmap.Record{}))

	store, err := roadmap.NewStore(roadmap.StoreConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	return store, db
}

func fixedClock(seconds int64) func() time.Time {
	return func() time.Time { return time.Unix(seconds, 0).UTC() }
}

func loadRecord(t *testing.T, db *gorm.DB, id int64) roadmap.Record {
	t.Helper()
	var record roadmap.Record
	require.NoError(t, db.Where("id = ?", id).Take(&record).Error)
	return record
}

func seed(t *testing.T, store *roadmap.Store, records ...roadmap.Record) {
	t.Helper()
	_, err := store.ApplyRemote(context.Background(), records)
	require.NoError(t, err)
}

// fakePeer serves a fixed delta and records every push.
type fakePeer struct {
	mu        sync.Mutex
	delta     []roadmap.Record
	pullErr   error
	pushErr   error
	pulls     []int64
	pushes    [][]roadmap.Record
	pullGate  chan struct{}
	pullStart chan struct{}
}

func (p *fakePeer) Pull(ctx context.Context, since int64) ([]roadmap.Record, error) {
	p.mu.Lock()
	p.pulls = append(p.pulls, since)
	gate := p.pullGate
	started := p.pullStart
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pullErr != nil {
		return nil, p.pullErr
	}
	return append([]roadmap.Record(nil), p.delta...), nil
}

func (p *fakePeer) Push(_ context.Context, records []roadmap.Record) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushErr != nil {
		return 0, p.pushErr
	}
	p.pushes = append(p.pushes, append([]roadmap.Record(nil), records...))
	return len(records), nil
}

func (p *fakePeer) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func (p *fakePeer) pullCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pulls)
}

func newLocalEngine(t *testing.T, store *roadmap.Store, peer Peer, clock func() time.Time) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Mode:     ModeLocal,
		Store:    store,
		Peer:     peer,
		Interval: 300 * time.Second,
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func ids(records []roadmap.Record) []int64 {
	result := make([]int64, 0, len(records))
	for _, record := range records {
		result = append(result, record.ID)
	}
	return result
}
