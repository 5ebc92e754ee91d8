package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/auth"
	"github.com/memohai/omnidesk/internal/config"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/db"
	"github.com/memohai/omnidesk/internal/logger"
)

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "omnidesk",
		Short:         "Omni-channel conversation ingestion and automated replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default $CONFIG_PATH or ./config.toml)")
	root.AddCommand(serveCmd(), migrateCmd(), selfTestCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}
	run := func(fn func(m *db.Migrator) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			m, err := db.NewMigrator(logger.L, cfg.Postgres.URL())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			return fn(m)
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  run(func(m *db.Migrator) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE:  run(func(m *db.Migrator) error { return m.Down() }),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: run(func(m *db.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Printf("version %d (dirty=%t)\n", v, dirty)
				return nil
			}),
		},
	)
	return cmd
}

func selfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Reconcile self-test conversations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			pool, err := db.Open(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			initializer := conversation.NewSelfTestInitializer(logger.L,
				conversation.NewService(logger.L, pool), assistant.NewService(logger.L, pool))
			report, err := initializer.EnsureSelfTestConversations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("assistants=%d created=%d deleted=%d failed=%d\n",
				report.Assistants, report.Created, report.Deleted, report.Failed)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID   string
		tenantID string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
			if err != nil {
				return fmt.Errorf("invalid jwt_expires_in: %w", err)
			}
			token, expiresAt, err := auth.GenerateToken(auth.Operator{UserID: userID, TenantID: tenantID}, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "operator user id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
