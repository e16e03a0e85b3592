package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/config"
	"github.com/CTFer/EarthOnline-sub001/internal/logging"
	"github.com/CTFer/EarthOnline-sub001/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "earthonline",
		Short: "EarthOnline roadmap replication and event stream node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newStreamTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP node (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one replication cycle against the peer and exit (local mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncOnce(cmd.Context(), cmd)
		},
	}
}

func newStreamTokenCommand() *cobra.Command {
	var ownerID int64
	command := &cobra.Command{
		Use:   "stream-token",
		Short: "Mint a stream token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreamToken(cmd, ownerID)
		},
	}
	command.Flags().Int64Var(&ownerID, "player-id", 0, "Owner id the token is bound to")
	return command
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("mode", defaults.GetString(config.KeyMode), "Node mode (local or prod)")
	flags.String("peer-url", defaults.GetString(config.KeyPeerURL), "Base URL of the prod peer (local mode)")
	flags.String("api-key", "", "Shared sync API key (overrides env)")
	flags.Int64("sync-interval-seconds", defaults.GetInt64(config.KeySyncInterval), "Minimum seconds between auto-sync cycles")
	flags.Int64("sync-periodic-seconds", defaults.GetInt64(config.KeySyncPeriodic), "Seconds between scheduled sync cycles (0 disables)")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("reminder-scan-at", defaults.GetString(config.KeyReminderScanAt), "Daily reminder scan time (HH:MM); overrides the scan interval")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")

	bindFlag(cmd, config.KeyMode, "mode")
	bindFlag(cmd, config.KeyPeerURL, "peer-url")
	bindFlag(cmd, config.KeySyncAPIKey, "api-key")
	bindFlag(cmd, config.KeySyncInterval, "sync-interval-seconds")
	bindFlag(cmd, config.KeySyncPeriodic, "sync-periodic-seconds")
	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyReminderScanAt, "reminder-scan-at")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, Mode: appConfig.Mode})
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	node, err := buildNode(appConfig, logger)
	if err != nil {
		return err
	}
	defer node.closeDatabase()

	if err := node.scheduleJobs(appConfig); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:        node.store,
		Engine:       node.engine,
		Hub:          node.hub,
		APIKeys:      node.apiKeys,
		StreamTokens: node.streamTokens(),
		IDProvider:   node.ids,
		FreshCutoff:  appConfig.FreshCutoff,
		DefaultRooms: []string{appConfig.ReminderRoom},
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           logging.AccessLog(logger, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("mode", appConfig.Mode),
			zap.Bool("stream_tokens", appConfig.StreamTokensEnabled()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		// Streams never finish on their own, so the hub is closed before the
		// server waits for in-flight requests.
		node.scheduler.Stop()
		node.engine.Close()
		node.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		node.scheduler.Stop()
		node.engine.Close()
		node.hub.Close()
		return err
	}
}

func runSyncOnce(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	node, err := buildNode(appConfig, logger)
	if err != nil {
		return err
	}
	defer node.closeDatabase()
	defer node.engine.Close()

	cycleCtx, cancel := context.WithTimeout(ctx, appConfig.SyncRequestTimeout*4)
	defer cancel()
	report, err := node.engine.RunCycle(cycleCtx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func runStreamToken(cmd *cobra.Command, ownerID int64) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if !appConfig.StreamTokensEnabled() {
		return fmt.Errorf("%s is not configured", config.KeySSETokenSecret)
	}
	issuer, err := newStreamTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueStreamToken(ownerID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
	return err
}
