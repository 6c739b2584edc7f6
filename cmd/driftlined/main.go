package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/database"
	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/projector"
	"github.com/driftline/driftline/internal/server"
	"github.com/driftline/driftline/internal/syncer"
	"github.com/driftline/driftline/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftlined",
		Short: "Driftline offline-first sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote sync authority base URL")
	cmd.PersistentFlags().String("remote-access-token", "", "Opaque access token for the remote authority (overrides env)")
	cmd.PersistentFlags().String("user-id", defaults.GetString("actor.user_id"), "Account identifier stamped on local events")
	cmd.PersistentFlags().String("app-id", defaults.GetString("actor.app_id"), "Application identifier stamped on local events")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("sync.sweep_interval"), "Fallback push/pull sweep interval")
	cmd.PersistentFlags().Bool("stream-enabled", defaults.GetBool("sync.stream_enabled"), "Use the streaming bulk catch-up path")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.access_token", "remote-access-token")
	bindFlag(cmd, "actor.user_id", "user-id")
	bindFlag(cmd, "actor.app_id", "app-id")
	bindFlag(cmd, "sync.sweep_interval", "sweep-interval")
	bindFlag(cmd, "sync.stream_enabled", "stream-enabled")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ids := event.NewUUIDProvider()

	eventService, err := event.NewService(event.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewChangeDispatcher(time.Now)

	projectionService, err := projector.NewService(projector.ServiceConfig{
		Database: db,
		Notifier: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	historyService, err := history.NewService(history.ServiceConfig{
		Events: eventService,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	stateStore, err := syncer.NewStateStore(db)
	if err != nil {
		return err
	}

	deviceID, err := stateStore.EnsureDeviceID(ctx, ids)
	if err != nil {
		return err
	}

	httpTransport, err := transport.NewHTTPTransport(transport.HTTPConfig{
		BaseURL:     appConfig.RemoteBaseURL,
		AccessToken: appConfig.RemoteAccessToken,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var streams syncer.StreamOpener
	if appConfig.StreamEnabled {
		streams = httpTransport
	}

	coordinator, err := syncer.NewCoordinator(syncer.Config{
		Transport:     httpTransport,
		Streams:       streams,
		Events:        eventService,
		Projections:   projectionService,
		State:         stateStore,
		IDProvider:    ids,
		Clock:         time.Now,
		Logger:        logger,
		SweepInterval: appConfig.SweepInterval,
		MaxBackoff:    appConfig.MaxBackoff,
		Progress: func(processed, total int) {
			logger.Info("initial sync progress", zap.Int("processed", processed), zap.Int("total", total))
		},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Events:      eventService,
		Projections: projectionService,
		History:     historyService,
		Coordinator: coordinator,
		State:       stateStore,
		Dispatcher:  dispatcher,
		Actor: event.Actor{
			UserID:   appConfig.UserID,
			DeviceID: deviceID,
			AppID:    appConfig.AppID,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncCtx, cancelSync := context.WithCancel(signalCtx)
	defer cancelSync()
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := coordinator.Run(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync coordinator stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		cancelSync()
		<-syncDone
		return err
	}

	cancelSync()
	<-syncDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
