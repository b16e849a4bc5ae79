package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/backend"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/config"
	"github.com/MarcoPoloResearchLab/chatsync/internal/database"
	"github.com/MarcoPoloResearchLab/chatsync/internal/engine"
	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
	"github.com/MarcoPoloResearchLab/chatsync/internal/logging"
	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/server"
	"github.com/MarcoPoloResearchLab/chatsync/internal/subscriptions"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/chatsync/internal/transport"
	"github.com/MarcoPoloResearchLab/chatsync/internal/watchlist"
)

const serviceVersion = "0.1.0"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time multi-stream chat sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.base_url"), "Relay REST base URL")
	cmd.PersistentFlags().String("backend-ws-url", defaults.GetString("backend.ws_url"), "Relay WebSocket URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("device", defaults.GetString("client.device"), "Device class (mobile, tablet, desktop)")
	cmd.PersistentFlags().String("connection", defaults.GetString("client.connection"), "Connection speed (fast, medium, slow)")
	cmd.PersistentFlags().Int("max-messages", defaults.GetInt("store.max_messages"), "Messages held per stream")
	cmd.PersistentFlags().String("otlp-endpoint", defaults.GetString("tracing.otlp_endpoint"), "OTLP/gRPC trace endpoint")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "backend.ws_url", "backend-ws-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "client.device", "device")
	bindFlag(cmd, "client.connection", "connection")
	bindFlag(cmd, "store.max_messages", "max-messages")
	bindFlag(cmd, "tracing.otlp_endpoint", "otlp-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(signalCtx, telemetry.TracingConfig{
		Endpoint:       appConfig.OTLPEndpoint,
		ServiceName:    "chatsync",
		ServiceVersion: serviceVersion,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	metrics := telemetry.NewMetrics()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	repository, err := watchlist.NewRepository(watchlist.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	relayClient, err := backend.NewClient(backend.Config{
		BaseURL: appConfig.BackendBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	pageCache := cache.New[backend.Page](cache.Config{
		MaxEntries:      appConfig.CacheMaxEntries,
		DefaultTTL:      appConfig.HistoryCacheTTL,
		CleanupInterval: appConfig.CacheCleanup,
	})
	telemetry.RegisterCache(metrics, "history", pageCache)
	go pageCache.Run(signalCtx)

	loader, err := history.NewLoader(history.Config{
		Fetcher:       relayClient,
		Cache:         pageCache,
		CacheTTL:      appConfig.HistoryCacheTTL,
		PageTimeout:   appConfig.PageTimeout,
		SearchTimeout: appConfig.SearchTimeout,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	manager, err := transport.NewManager(transport.Config{
		URL:          appConfig.BackendWSURL,
		Dial:         transport.WebsocketDialer(appConfig.DialTimeout),
		BaseDelay:    appConfig.BaseDelay,
		MaxDelay:     appConfig.MaxDelay,
		MaxAttempts:  appConfig.MaxAttempts,
		PingInterval: appConfig.PingInterval,
		DialTimeout:  appConfig.DialTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	// The multiplexer delivers into the engine, which is built after it.
	var eng *engine.Engine
	multiplexer, err := subscriptions.NewMultiplexer(subscriptions.Config{
		Transport: manager,
		Deliver: func(connectionID string, wire []protocol.WireMessage) {
			eng.HandleLive(connectionID, wire)
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer multiplexer.Close()

	device, _ := history.ParseDeviceClass(appConfig.ClientDevice)
	speed, _ := history.ParseConnectionSpeed(appConfig.ClientConnection)

	realtime := server.NewRealtimeDispatcher()
	eng, err = engine.New(engine.Config{
		Store: messages.NewStore(messages.StoreConfig{
			MaxMessages: appConfig.StoreMaxMessages,
			Logger:      logger,
		}),
		History:    loader,
		Subscriber: multiplexer,
		Connector:  relayClient,
		Persister:  repository,
		Events:     realtime,
		IDProvider: engine.NewUUIDProvider(),
		Profile:    history.Profile{Device: device, Connection: speed},
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	defer eng.Close()
	eng.AttachTransport(manager)

	if err := restoreState(signalCtx, eng, repository, logger); err != nil {
		return err
	}

	if err := manager.Connect(signalCtx); err != nil {
		return err
	}
	defer manager.Disconnect()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:            eng,
		Realtime:          realtime,
		Metrics:           metrics,
		Transport:         manager,
		Logger:            logger,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func restoreState(ctx context.Context, eng *engine.Engine, repository *watchlist.Repository, logger *zap.Logger) error {
	streams, err := repository.ListStreams(ctx)
	if err != nil {
		return err
	}
	if err := eng.RestoreSubscriptions(ctx, streams); err != nil {
		logger.Warn("some streams could not be restored", zap.Error(err))
	}

	watermarks, err := repository.Watermarks(ctx)
	if err != nil {
		return err
	}
	eng.RestoreWatermarks(watermarks)
	logger.Info("watch list restored", zap.Int("streams", len(streams)), zap.Int("watermarks", len(watermarks)))
	return nil
}
