package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a background task. The context is cancelled when the scheduler stops.
type Job func(ctx context.Context)

// Config wires a Scheduler.
type Config struct {
	Location *time.Location
	Logger   *zap.Logger
}

// Scheduler runs named jobs on cron schedules. A job whose previous run is
// still in progress is skipped, and panics are recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped sync.Once
}

// New constructs a stopped Scheduler.
func New(cfg Config) *Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cronLogAdapter{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ScheduleInterval registers job to run every interval, rounded down to whole seconds.
func (s *Scheduler) ScheduleInterval(name string, interval time.Duration, job Job) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("job %s: interval must be positive", name)
	}
	seconds := int(interval / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return s.add(name, fmt.Sprintf("@every %ds", seconds), job)
}

// ScheduleDaily registers job to run once a day at timeOfDay ("HH:MM") in the scheduler location.
func (s *Scheduler) ScheduleDaily(name string, timeOfDay string, job Job) (cron.EntryID, error) {
	spec, err := BuildDailySpec(timeOfDay)
	if err != nil {
		return 0, fmt.Errorf("job %s: %w", name, err)
	}
	return s.add(name, spec, job)
}

// Start begins running scheduled jobs in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the job context and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
	})
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) add(name string, spec string, job Job) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("scheduled job started", zap.String("job", name))
		job(s.ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("job %s: %w", name, err)
	}
	s.logger.Info("scheduled job registered", zap.String("job", name), zap.String("spec", spec))
	return id, nil
}

// BuildDailySpec converts "HH:MM" into a seconds-precision cron spec.
func BuildDailySpec(timeOfDay string) (string, error) {
	parts := strings.Split(strings.TrimSpace(timeOfDay), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q, expected HH:MM", timeOfDay)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", timeOfDay)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", timeOfDay)
	}
	// second minute hour dom month dow
	return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
}

type cronLogAdapter struct {
	logger *zap.SugaredLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
