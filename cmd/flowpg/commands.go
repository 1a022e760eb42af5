package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/convoflow/flowpg"
	"github.com/convoflow/flowpg/server"
	"github.com/convoflow/flowpg/storage"
	"github.com/convoflow/flowpg/variables"
)

var (
	rootCmd = &cobra.Command{
		Use:   "flowpg",
		Short: "PostgreSQL-backed conversational flow runtime",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with an embedded task worker",
		RunE:  runServe,
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker without the HTTP API",
		RunE:  runWorker,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		initConfig()
	}
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("internal-token", "", "bearer token for the /internal routes")
	serveCmd.Flags().Bool("disable-csrf", false, "disable the CSRF double-submit check")
	serveCmd.Flags().Int("worker-concurrency", 10, "maximum concurrent background tasks")

	workerCmd.Flags().Int("worker-concurrency", 10, "maximum concurrent background tasks")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd)
}

// initConfig wires viper: flags first, then FLOWPG_* environment
// variables, so FLOWPG_DATABASE_URL works without a flag.
func initConfig() {
	viper.SetEnvPrefix("FLOWPG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	_ = viper.BindPFlags(serveCmd.Flags())
	_ = viper.BindPFlags(workerCmd.Flags())

	level := slog.LevelInfo
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	url := viper.GetString("database-url")
	if url == "" {
		return nil, fmt.Errorf("database-url is required (flag or FLOWPG_DATABASE_URL)")
	}
	return pgxpool.New(ctx, url)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("schema migrated")
	return nil
}

func newClient(pool *pgxpool.Pool) (*flowpg.Client, error) {
	cfg := flowpg.DefaultClientConfig()
	cfg.Logger = slog.Default()
	cfg.Secrets = &variables.EnvSecrets{Prefix: "FLOWPG_SECRET_"}
	cfg.WorkerConcurrency = viper.GetInt("worker-concurrency")
	return flowpg.NewClient(pool, cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := newClient(pool)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(context.Background())

	srv := server.New(client, server.Config{
		Addr:          viper.GetString("addr"),
		InternalToken: viper.GetString("internal-token"),
		DisableCSRF:   viper.GetBool("disable-csrf"),
		Logger:        slog.Default(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serving", "addr", viper.GetString("addr"))
		return srv.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := newClient(pool)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(context.Background())

	slog.Info("worker running", "instance_id", client.InstanceID())
	<-ctx.Done()
	return nil
}
