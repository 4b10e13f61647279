package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaypoint/presenced/internal/auth"
	"github.com/relaypoint/presenced/internal/collab"
	"github.com/relaypoint/presenced/internal/config"
	"github.com/relaypoint/presenced/internal/coordination"
	"github.com/relaypoint/presenced/internal/database"
	"github.com/relaypoint/presenced/internal/gateway"
	"github.com/relaypoint/presenced/internal/lifecycle"
	"github.com/relaypoint/presenced/internal/locks"
	"github.com/relaypoint/presenced/internal/logging"
	"github.com/relaypoint/presenced/internal/realtime"
	"github.com/relaypoint/presenced/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presenced",
		Short: "Coordination service for concurrent access to shared records",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis connection URL")
	cmd.PersistentFlags().StringSlice("kafka-brokers", defaults.GetStringSlice("kafka.brokers"), "Kafka broker addresses")
	cmd.PersistentFlags().Duration("presence-ttl", defaults.GetDuration("presence.ttl"), "Presence membership TTL")
	cmd.PersistentFlags().Duration("field-lock-ttl", defaults.GetDuration("presence.field_lock_ttl"), "Field lock TTL")
	cmd.PersistentFlags().Duration("lock-ttl", defaults.GetDuration("locks.ttl"), "Durable edit lock TTL")
	cmd.PersistentFlags().Duration("lock-sweep-interval", defaults.GetDuration("locks.sweep_interval"), "Expired lock sweep interval")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("token.ttl"), "Bearer token TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "presence.ttl", "presence-ttl")
	bindFlag(cmd, "presence.field_lock_ttl", "field-lock-ttl")
	bindFlag(cmd, "locks.ttl", "lock-ttl")
	bindFlag(cmd, "locks.sweep_interval", "lock-sweep-interval")
	bindFlag(cmd, "token.ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenManager, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.TokenSigningKey),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	lockService, err := locks.NewService(locks.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go lockService.RunSweeper(signalCtx, appConfig.LockSweepInterval)

	store, err := coordination.Open(coordination.StoreConfig{
		PresenceTTL:  appConfig.PresenceTTL,
		FieldLockTTL: appConfig.FieldLockTTL,
		Logger:       logger,
	}, appConfig.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	producer, err := lifecycle.NewProducer(lifecycle.ProducerConfig{
		Brokers: appConfig.KafkaBrokers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	deadLetters, err := lifecycle.NewDeadLetterStore(lifecycle.DeadLetterStoreConfig{
		Database: db,
		Writer:   lifecycle.NewDeadLetterWriter(appConfig.KafkaBrokers),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	consumer, err := lifecycle.NewConsumer(lifecycle.ConsumerConfig{
		Brokers:     appConfig.KafkaBrokers,
		Applier:     store,
		DeadLetters: deadLetters,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()
	go consumer.Run(signalCtx)

	presenceGateway := gateway.New(gateway.Config{
		Store:    store,
		Registry: realtime.NewRegistry(),
		Logger:   logger,
	})
	collabHub := collab.New(collab.Config{
		Registry: realtime.NewRegistry(),
		Logger:   logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:    tokenManager,
		LockService:     lockService,
		Coordination:    store,
		DeadLetters:     deadLetters,
		Publisher:       producer,
		PresenceGateway: presenceGateway,
		CollabHub:       collabHub,
		EditLockTTL:     appConfig.EditLockTTL,
		Logger:          logger,
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
