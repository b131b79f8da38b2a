package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/auth"
	"github.com/MarcoPoloResearchLab/lockstep/internal/commands"
	"github.com/MarcoPoloResearchLab/lockstep/internal/config"
	"github.com/MarcoPoloResearchLab/lockstep/internal/database"
	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/jobs"
	"github.com/MarcoPoloResearchLab/lockstep/internal/logging"
	"github.com/MarcoPoloResearchLab/lockstep/internal/nodes"
	"github.com/MarcoPoloResearchLab/lockstep/internal/poller"
	"github.com/MarcoPoloResearchLab/lockstep/internal/scene"
	"github.com/MarcoPoloResearchLab/lockstep/internal/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lockstep-node",
		Short: "Shared visualization node: polls the session event log and serves the control API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session", defaults.GetString("session.name"), "Session name to join")
	cmd.PersistentFlags().String("node-id", defaults.GetString("node.id"), "Stable node identifier (defaults to a fresh UUID)")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("poll.interval"), "Minimum interval between event log polls")
	cmd.PersistentFlags().Int("workers", defaults.GetInt("jobs.workers"), "Job executor worker count")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Control API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.name", "session")
	bindFlag(cmd, "node.id", "node-id")
	bindFlag(cmd, "poll.interval", "poll-interval")
	bindFlag(cmd, "jobs.workers", "workers")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "control.signing_secret", "signing-secret")
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

func runNode(ctx context.Context) error {
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

	store, err := eventlog.NewStore(eventlog.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry, err := nodes.NewService(nodes.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	executor := jobs.NewExecutor(jobs.ExecutorConfig{
		Workers: appConfig.Workers,
		Logger:  logger,
	})

	publisher, err := commands.NewPublisher(commands.PublisherConfig{
		Store:    store,
		Executor: executor,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	collection := scene.NewCollection()
	dispatcher := server.NewDispatcher()

	nodeID := appConfig.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	eventPoller, err := poller.NewPoller(poller.PollerConfig{
		Store:           store,
		Sink:            collection,
		NodeID:          nodeID,
		MinPollInterval: appConfig.PollInterval,
		Logger:          logger,
		Notifier:        dispatcher,
	})
	if err != nil {
		return err
	}

	sessionName, err := eventlog.NewSessionName(appConfig.SessionName)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eventPoller.ConnectToSession(signalCtx, sessionName); err != nil {
		return err
	}
	if err := registry.Heartbeat(signalCtx, nodeID, hostnameOrEmpty()); err != nil {
		logger.Warn("node heartbeat failed", zap.Error(err))
	}
	if _, err := publisher.ConnectToSession(signalCtx, sessionName); err != nil {
		return err
	}

	var tokenManager server.TokenManager
	if appConfig.SigningSecret != "" {
		tokenManager = auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        "lockstep-node",
			Audience:      "lockstep-control",
			TokenTTL:      appConfig.TokenTTL,
		})
	} else {
		logger.Warn("control api running without authentication; set control.signing_secret to protect it")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:        store,
		Publisher:    publisher,
		NodeRegistry: registry,
		Scene:        collection,
		Cursor:       eventPoller,
		Dispatcher:   dispatcher,
		TokenManager: tokenManager,
		Logger:       logger,
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
		logger.Info("control api starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("session", sessionName.String()),
			zap.String("node_id", nodeID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		_ = eventPoller.Run(signalCtx)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := executor.Shutdown(shutdownCtx); err != nil {
			logger.Warn("executor shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the database",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
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

			store, err := eventlog.NewStore(eventlog.StoreConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			sessions, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, session := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", session.ID, session.Name)
			}
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control API bearer token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.SigningSecret == "" {
				return errors.New("control.signing_secret is required to mint tokens")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        "lockstep-node",
				Audience:      "lockstep-control",
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in_s=%d\n", token, expiresIn)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return tokenCmd
}

func hostnameOrEmpty() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
