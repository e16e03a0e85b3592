package reminders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"go.uber.org/zap"
)

// DefaultRoom is the room reminder events are broadcast to.
const DefaultRoom = "roadmap_room"

var (
	errMissingStore       = errors.New("roadmap store is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
)

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	BroadcastToRoom(room string, eventType string, payload any) (int, error)
}

// ScannerConfig wires a Scanner.
type ScannerConfig struct {
	Store       *roadmap.Store
	Broadcaster Broadcaster
	Room        string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Scanner emits reminders for due cycle tasks and promotes them to WORKING.
type Scanner struct {
	store       *roadmap.Store
	broadcaster Broadcaster
	room        string
	clock       func() time.Time
	logger      *zap.Logger
}

// ScanResult summarises one scan.
type ScanResult struct {
	Due      int
	Reached  int
	Advanced int64
}

// Reminder is the cycle_task_reminder payload.
type Reminder struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	NextReminderTime *int64 `json:"next_reminder_time"`
	CycleDuration    *int64 `json:"cycle_duration"`
}

// NewScanner validates the configuration.
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	room := strings.TrimSpace(cfg.Room)
	if room == "" {
		room = DefaultRoom
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		room:        room,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ScanOnce runs one scan. Failures are logged and returned; a failed
// broadcast does not stop the promotion step.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanResult, error) {
	now := s.clock().UTC().Unix()
	due, err := s.store.ScanDueCycleTasks(ctx, now)
	if err != nil {
		s.logger.Error("reminder scan failed", zap.Int64("now", now), zap.Error(err))
		return ScanResult{}, err
	}
	result := ScanResult{Due: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	for _, record := range due {
		reached, err := s.broadcaster.BroadcastToRoom(s.room, realtime.EventCycleTaskReminder, newReminder(record))
		if err != nil {
			s.logger.Warn("reminder broadcast failed", zap.Int64("record_id", record.ID), zap.Error(err))
			continue
		}
		result.Reached += reached
	}

	advanced, err := s.store.AdvanceOverdueToWorking(ctx, now)
	if err != nil {
		s.logger.Error("reminder promotion failed", zap.Int64("now", now), zap.Error(err))
		return result, err
	}
	result.Advanced = advanced

	s.logger.Info("reminder scan completed",
		zap.String("room", s.room),
		zap.Int("due", result.Due),
		zap.Int("reached", result.Reached),
		zap.Int64("advanced", result.Advanced),
	)
	return result, nil
}

// Run adapts ScanOnce to a scheduler job.
func (s *Scanner) Run(ctx context.Context) {
	_, _ = s.ScanOnce(ctx)
}

func newReminder(record roadmap.Record) Reminder {
	return Reminder{
		ID:               record.ID,
		Name:             record.Name,
		Status:           record.Status.String(),
		NextReminderTime: record.NextReminderTime,
		CycleDuration:    record.CycleDuration,
	}
}
