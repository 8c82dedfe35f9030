package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/edtrack/internal/config"
	"github.com/ehr/edtrack/internal/platform/db"
	"github.com/ehr/edtrack/internal/platform/hipaa"
	"github.com/ehr/edtrack/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edtrack-server",
		Short: "Emergency department tracking board API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the tracking board API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token run as an admin dev user")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	flushCtx, stopFlush := context.WithCancel(ctx)
	defer stopFlush()
	go a.flushLoop(flushCtx, 30*time.Second)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Int("patients", len(a.store.List())).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.audit.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final audit flush failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres mirror schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.UpTo(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is not set")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the persisted audit trail",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the audit trail to stdout or a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openAuditStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			trail := hipaa.NewAuditLogger(store, logger, hipaa.WithKey(cfg.AuditKey))
			if err := trail.Load(ctx); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return trail.Export(ctx, filter, hipaa.ExportFormat(format), w)
		},
	}
	exportCmd.Flags().String("format", string(hipaa.ExportJSON), "Output format: json or csv")
	exportCmd.Flags().String("out", "", "Write to this file instead of stdout")
	exportCmd.Flags().String("patient", "", "Only entries for this patient id")
	exportCmd.Flags().String("user", "", "Only entries by this user id")
	exportCmd.Flags().String("action", "", "Only entries of this action type")
	exportCmd.Flags().String("since", "", "Only entries at or after this RFC 3339 time")
	exportCmd.Flags().String("until", "", "Only entries at or before this RFC 3339 time")
	cmd.AddCommand(exportCmd)

	return cmd
}

func filterFromFlags(cmd *cobra.Command) (hipaa.AuditFilter, error) {
	var f hipaa.AuditFilter
	f.PatientID, _ = cmd.Flags().GetString("patient")
	f.UserID, _ = cmd.Flags().GetString("user")
	action, _ := cmd.Flags().GetString("action")
	f.ActionType = hipaa.ActionType(action)
	if f.ActionType != "" && !f.ActionType.Valid() {
		return f, fmt.Errorf("unknown action type %q", action)
	}
	for flag, dst := range map[string]**time.Time{"since": &f.StartTime, "until": &f.EndTime} {
		v, _ := cmd.Flags().GetString(flag)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid --%s: %w", flag, err)
		}
		*dst = &t
	}
	return f, nil
}
