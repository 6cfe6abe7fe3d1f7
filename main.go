package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remindsync/config"
	"remindsync/infra/database"
	"remindsync/infra/middleware"
	"remindsync/internal/bootstrap"
	"remindsync/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "remindsync",
		Short:         "Reminder to calendar sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		runCommand("serve", "Run the HTTP API only", true, false),
		runCommand("worker", "Run the retry sweep, alert evaluation and stream intake", false, true),
		runCommand("all", "Run the API and the worker in one process", true, true),
		sweepCommand(),
		migrateCommand(),
		tokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "remindsync",
		Console: cfg.LogFormat == "console",
	})
	return cfg, nil
}

// =============================================================================
// serve | worker | all
// =============================================================================

func runCommand(use, short string, api, background bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, api, background)
		},
	}
}

func run(parent context.Context, cfg *config.Config, api, background bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := bootstrap.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if background {
		w := bootstrap.NewWorker(app)
		g.Go(func() error { return w.Run(gctx) })
	}

	if api {
		server := bootstrap.NewAPI(app.Deps, app.Retry)
		addr := ":" + cfg.Port

		g.Go(func() error {
			logger.Info("Starting API server on %s", addr)
			return server.Listen(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
			return server.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shut down gracefully")
	return nil
}

// =============================================================================
// sweep
// =============================================================================

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, cleanup, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := app.Retry.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
}

// =============================================================================
// migrate
// =============================================================================

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE_DRIVER=%s", config.StorePostgres)
			}
			if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

// =============================================================================
// token
// =============================================================================

func tokenCommand() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a service or operator bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if cfg == nil {
				return err
			}
			secret := cfg.JWTSecret
			for _, s := range scopes {
				if s == middleware.ScopeOps {
					secret = cfg.OpsJWTSecret
				}
			}
			if secret == "" {
				return errors.New("signing secret not configured (JWT_SECRET / OPS_JWT_SECRET)")
			}
			tok, err := middleware.IssueToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (service or operator name)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{middleware.ScopeSync}, "granted scopes (sync, ops)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
