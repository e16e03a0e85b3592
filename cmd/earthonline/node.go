package main

import (
	"context"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/auth"
	"github.com/CTFer/EarthOnline-sub001/internal/config"
	"github.com/CTFer/EarthOnline-sub001/internal/database"
	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/reminders"
	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"github.com/CTFer/EarthOnline-sub001/internal/scheduler"
	"github.com/CTFer/EarthOnline-sub001/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobReminderScan = "reminder_scan"
	jobPeriodicSync = "periodic_sync"
)

// node holds the long-lived components of one process.
type node struct {
	db        *gorm.DB
	store     *roadmap.Store
	ids       roadmap.IDProvider
	engine    *replication.Engine
	hub       *realtime.Hub
	scanner   *reminders.Scanner
	scheduler *scheduler.Scheduler
	apiKeys   *auth.APIKeyValidator
	tokens    *auth.TokenIssuer
	logger    *zap.Logger
}

func buildNode(appConfig config.AppConfig, logger *zap.Logger) (*node, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	built := &node{db: db, ids: roadmap.NewUUIDProvider(), logger: logger}
	fail := func(err error) (*node, error) {
		built.closeDatabase()
		return nil, err
	}

	built.store, err = roadmap.NewStore(roadmap.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}

	built.apiKeys, err = auth.NewAPIKeyValidator(appConfig.SyncAPIKey)
	if err != nil {
		return fail(err)
	}
	if appConfig.StreamTokensEnabled() {
		built.tokens, err = newStreamTokenIssuer(appConfig)
		if err != nil {
			return fail(err)
		}
	}

	mode, err := replication.ParseMode(appConfig.Mode)
	if err != nil {
		return fail(err)
	}
	var peer replication.Peer
	if mode.CanInitiate() {
		client, err := replication.NewClient(replication.ClientConfig{
			BaseURL: appConfig.PeerURL,
			APIKey:  appConfig.SyncAPIKey,
			Timeout: appConfig.SyncRequestTimeout,
			Logger:  logger,
		})
		if err != nil {
			return fail(err)
		}
		peer = client
	}
	built.engine, err = replication.NewEngine(replication.EngineConfig{
		Mode:         mode,
		Store:        built.store,
		Peer:         peer,
		Interval:     appConfig.SyncInterval,
		CycleTimeout: appConfig.SyncRequestTimeout * 4,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}

	built.hub = realtime.NewHub(realtime.HubConfig{
		HeartbeatInterval: appConfig.SSEHeartbeat,
		InactivityTimeout: appConfig.SSEConnectionTimeout,
		QueueCapacity:     appConfig.SSEQueueCapacity,
		Logger:            logger,
	})

	built.scanner, err = reminders.NewScanner(reminders.ScannerConfig{
		Store:       built.store,
		Broadcaster: built.hub,
		Room:        appConfig.ReminderRoom,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}

	built.scheduler = scheduler.New(scheduler.Config{Logger: logger})
	return built, nil
}

// scheduleJobs registers the reminder scan and, in local mode, periodic sync.
func (n *node) scheduleJobs(appConfig config.AppConfig) error {
	if appConfig.ReminderScanAt != "" {
		if _, err := n.scheduler.ScheduleDaily(jobReminderScan, appConfig.ReminderScanAt, n.scanner.Run); err != nil {
			return err
		}
	} else if _, err := n.scheduler.ScheduleInterval(jobReminderScan, appConfig.ReminderScanInterval, n.scanner.Run); err != nil {
		return err
	}

	if appConfig.SyncPeriodic > 0 && n.engine.Mode().CanInitiate() {
		engine := n.engine
		_, err := n.scheduler.ScheduleInterval(jobPeriodicSync, appConfig.SyncPeriodic, func(ctx context.Context) {
			_, _ = engine.RunCycle(ctx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// streamTokens returns the issuer as an interface, nil when tokens are disabled.
func (n *node) streamTokens() server.StreamTokenManager {
	if n.tokens == nil {
		return nil
	}
	return n.tokens
}

func (n *node) closeDatabase() {
	sqlDB, err := n.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		n.logger.Warn("database close failed", zap.Error(err))
	}
}

func newStreamTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SSETokenSecret),
		TokenTTL:      appConfig.SSETokenTTL,
	})
}
