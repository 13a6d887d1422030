package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/questrewards/internal/auth"
	"github.com/MarcoPoloResearchLab/questrewards/internal/config"
	"github.com/MarcoPoloResearchLab/questrewards/internal/database"
	"github.com/MarcoPoloResearchLab/questrewards/internal/logging"
	"github.com/MarcoPoloResearchLab/questrewards/internal/quests"
	"github.com/MarcoPoloResearchLab/questrewards/internal/server"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	// A missing .env is normal in deployments that inject the environment directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "questrewards-api",
		Short: "Quest completion ledger and reward voucher service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newKeygenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Optional rotated log file")
	cmd.PersistentFlags().String("signing-secret", "", "Caller token signing secret (overrides env)")
	cmd.PersistentFlags().String("signer-private-key", "", "Voucher signing key as hex (overrides env)")
	cmd.PersistentFlags().Int("token-id-bits", defaults.GetInt("rewards.token_id_bits"), "Random bits per NFT token id (16 or 32)")
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconciler.interval"), "Award reconciliation interval (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "signer.private_key", "signer-private-key")
	bindFlag(cmd, "rewards.token_id_bits", "token-id-bits")
	bindFlag(cmd, "reconciler.interval", "reconcile-interval")
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

	logger, err := logging.NewLoggerWithFile(appConfig.LogLevel, logging.FileConfig{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signer, err := stark.NewSigner(appConfig.SignerPrivateKey)
	if err != nil {
		return err
	}
	tokenIDs, err := quests.NewRandomTokenIDGenerator(appConfig.TokenIDBits)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dispatcher := server.NewEventDispatcher()
	questService, err := quests.NewService(quests.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: quests.NewUUIDProvider(),
		Signer:     signer,
		TokenIDs:   tokenIDs,
		Metrics:    quests.NewMetrics(registry),
		Listener:   dispatcher.PublishQuestCompletion,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	callerValidator, err := auth.NewCallerValidator(auth.CallerValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	if appConfig.ReconcileInterval > 0 {
		scheduler, err := quests.StartAwardReconciler(questService, appConfig.ReconcileInterval, appConfig.ReconcileBatchSize, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				logger.Warn("award reconciler shutdown failed", zap.Error(err))
			}
		}()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		QuestService:   questService,
		Authenticator:  callerValidator,
		Events:         dispatcher,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Heartbeat:      appConfig.EventHeartbeat,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("signer_public_key", signer.PublicKey().Hex()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
