package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"go.uber.org/zap"
)

// Mode selects which side of the replication topology a node plays.
type Mode string

const (
	// ModeLocal nodes initiate cycles and refuse to serve sync endpoints.
	ModeLocal Mode = "local"
	// ModeProd nodes serve sync endpoints and refuse to initiate cycles.
	ModeProd Mode = "prod"
)

// ParseMode validates a configured mode.
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeLocal, ModeProd:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

// CanInitiate reports whether the node may run cycles against a peer.
func (m Mode) CanInitiate() bool {
	return m == ModeLocal
}

// CanServe reports whether the node may answer /sync and /batch_sync.
func (m Mode) CanServe() bool {
	return m == ModeProd
}

// Peer is the remote side of a cycle.
type Peer interface {
	Pull(ctx context.Context, since int64) ([]roadmap.Record, error)
	Push(ctx context.Context, records []roadmap.Record) (int, error)
}

var (
	errMissingStore = errors.New("roadmap store is required")
	errMissingPeer  = errors.New("peer is required in local mode")
)

const defaultCycleTimeout = 30 * time.Second

// EngineConfig wires an Engine.
type EngineConfig struct {
	Mode         Mode
	Store        *roadmap.Store
	Peer         Peer
	Interval     time.Duration
	CycleTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	Skipped     bool          `json:"skipped"`
	Since       int64         `json:"since"`
	Cursor      int64         `json:"cursor"`
	Pulled      int           `json:"pulled"`
	Applied     int           `json:"applied"`
	Pushed      int           `json:"pushed"`
	PeerApplied int           `json:"peer_applied"`
	Duration    time.Duration `json:"duration_ns"`
}

// Engine reconciles the local store with one peer. At most one cycle runs at a time.
type Engine struct {
	mode         Mode
	store        *roadmap.Store
	peer         Peer
	interval     int64
	cycleTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	cycleGuard   sync.Mutex
	lastSyncTime atomic.Int64

	lifecycle context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeMu   sync.Mutex
	closed    bool
}

// NewEngine validates the configuration. A prod engine is valid but refuses to run cycles.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode.CanInitiate() && cfg.Peer == nil {
		return nil, errMissingPeer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cycleTimeout := cfg.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = defaultCycleTimeout
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &Engine{
		mode:         cfg.Mode,
		store:        cfg.Store,
		peer:         cfg.Peer,
		interval:     int64(cfg.Interval / time.Second),
		cycleTimeout: cycleTimeout,
		clock:        clock,
		logger:       logger,
		lifecycle:    lifecycle,
		cancel:       cancel,
	}, nil
}

// Mode returns the configured node mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// LastSyncTime returns the cursor in seconds. It is zero until the first successful cycle.
func (e *Engine) LastSyncTime() int64 {
	return e.lastSyncTime.Load()
}

// RunCycle performs one pull, apply, push and cursor advance. A call that
// overlaps a running cycle returns a skipped report without error.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.mode.CanInitiate() {
		return CycleReport{}, ErrTopology
	}
	if !e.cycleGuard.TryLock() {
		e.logger.Debug("replication cycle already running")
		return CycleReport{Skipped: true}, nil
	}
	defer e.cycleGuard.Unlock()
	return e.runLocked(ctx)
}

// MaybeAutoSync starts a background cycle when the interval has elapsed since
// the last successful one. It never blocks and reports whether a cycle started.
func (e *Engine) MaybeAutoSync() bool {
	if !e.mode.CanInitiate() || e.lifecycle.Err() != nil {
		return false
	}
	if e.now()-e.lastSyncTime.Load() < e.interval {
		return false
	}
	if !e.cycleGuard.TryLock() {
		return false
	}
	// Add must not race Close's Wait.
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		e.cycleGuard.Unlock()
		return false
	}
	e.workers.Add(1)
	e.closeMu.Unlock()
	go func() {
		defer e.workers.Done()
		defer e.cycleGuard.Unlock()
		ctx, cancel := context.WithTimeout(e.lifecycle, e.cycleTimeout)
		defer cancel()
		_, _ = e.runLocked(ctx)
	}()
	return true
}

// Close cancels background cycles and waits for them to return.
func (e *Engine) Close() {
	e.closeMu.Lock()
	e.closed = true
	e.cancel()
	e.closeMu.Unlock()
	e.workers.Wait()
}

func (e *Engine) runLocked(ctx context.Context) (CycleReport, error) {
	started := e.clock()
	since := e.lastSyncTime.Load()
	report := CycleReport{Since: since}
	// The boundary second is re-read: a write landing in the same second as the
	// previous cursor sample must still replicate. LWW makes the overlap a no-op.
	readFrom := since - 1
	if readFrom < 0 {
		readFrom = 0
	}

	peerDelta, err := e.peer.Pull(ctx, readFrom)
	if err != nil {
		e.logCycleFailure("pull", since, err)
		return report, err
	}
	report.Pulled = len(peerDelta)

	applied, err := e.store.ApplyRemote(ctx, peerDelta)
	if err != nil {
		e.logCycleFailure("apply", since, err)
		return report, err
	}
	report.Applied = applied.Applied

	cursor := e.now()
	localDelta, err := e.store.ListSince(ctx, readFrom)
	if err != nil {
		e.logCycleFailure("outbound", since, err)
		return report, err
	}
	outbound := suppressEchoes(localDelta, peerDelta)

	if len(outbound) > 0 {
		peerApplied, err := e.peer.Push(ctx, outbound)
		if err != nil {
			e.logCycleFailure("push", since, err)
			return report, err
		}
		report.Pushed = len(outbound)
		report.PeerApplied = peerApplied
	}

	report.Cursor = e.advanceCursor(cursor)
	report.Duration = e.clock().Sub(started)
	e.logger.Info("replication cycle completed",
		zap.Int64("since", since),
		zap.Int64("cursor", report.Cursor),
		zap.Int("pulled", report.Pulled),
		zap.Int("applied", report.Applied),
		zap.Int("pushed", report.Pushed),
		zap.Int("peer_applied", report.PeerApplied),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// advanceCursor keeps last_sync_time non-decreasing even if the clock steps back.
func (e *Engine) advanceCursor(candidate int64) int64 {
	for {
		previous := e.lastSyncTime.Load()
		if candidate <= previous {
			return previous
		}
		if e.lastSyncTime.CompareAndSwap(previous, candidate) {
			return candidate
		}
	}
}

func (e *Engine) now() int64 {
	return e.clock().UTC().Unix()
}

func (e *Engine) logCycleFailure(stage string, since int64, err error) {
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.Int64("since", since),
		zap.Error(err),
	}
	if IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("replication cycle aborted", fields...)
		return
	}
	e.logger.Error("replication cycle failed", fields...)
}

// suppressEchoes drops local rows the peer already holds at the same or a newer edittime.
func suppressEchoes(localDelta []roadmap.Record, peerDelta []roadmap.Record) []roadmap.Record {
	if len(localDelta) == 0 {
		return nil
	}
	peerEditTimes := make(map[int64]int64, len(peerDelta))
	for _, record := range peerDelta {
		if current, ok := peerEditTimes[record.ID]; !ok || record.EditTime > current {
			peerEditTimes[record.ID] = record.EditTime
		}
	}
	outbound := make([]roadmap.Record, 0, len(localDelta))
	for _, record := range localDelta {
		if peerEditTime, ok := peerEditTimes[record.ID]; ok && peerEditTime >= record.EditTime {
			continue
		}
		outbound = append(outbound, record)
	}
	return outbound
}
