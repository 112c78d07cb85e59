package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stackdrift/gcsinventory/internal/pipeline"
	"github.com/stackdrift/gcsinventory/pkg/bq"
	"github.com/stackdrift/gcsinventory/pkg/config"
	"github.com/stackdrift/gcsinventory/pkg/gcs"
	"github.com/stackdrift/gcsinventory/pkg/listen"
	"github.com/stackdrift/gcsinventory/pkg/logger"
	"github.com/stackdrift/gcsinventory/pkg/metrics"
	"github.com/stackdrift/gcsinventory/pkg/observability"
	"github.com/stackdrift/gcsinventory/pkg/sink"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile, logLevel string
	var prefix, bucketPrefix string

	root := &cobra.Command{
		Use:   "gcsinventory",
		Short: "Load Cloud Storage object metadata into BigQuery",
		Long: `gcsinventory bulk-lists Cloud Storage buckets into a BigQuery inventory
table, and can keep that table current by consuming object change
notifications from Pub/Sub.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "gcsinventory.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gcsinventory v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	loadCmd := &cobra.Command{
		Use:   "load [buckets...]",
		Short: "Bulk-load bucket listings into the inventory table",
		Long: `Load lists the named buckets (or every bucket in the configured project
when none are named) and streams their object metadata into the BigQuery
inventory table, creating the dataset and table if necessary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(configFile, logLevel, config.ModeLoad)
			if err != nil {
				return err
			}
			return runLoad(cmd.Context(), cfg, args, prefix, bucketPrefix)
		},
	}
	loadCmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only inventory objects whose names start with this prefix")
	loadCmd.Flags().StringVar(&bucketPrefix, "bucket-prefix", "", "Only inventory buckets whose names start with this prefix")
	root.AddCommand(loadCmd)

	catCmd := &cobra.Command{
		Use:   "cat [buckets...]",
		Short: "Write bucket listings to stdout as line-delimited JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(configFile, logLevel, config.ModeCat)
			if err != nil {
				return err
			}
			return runCat(cmd.Context(), cfg, args, prefix, bucketPrefix)
		},
	}
	catCmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Only inventory objects whose names start with this prefix")
	catCmd.Flags().StringVar(&bucketPrefix, "bucket-prefix", "", "Only inventory buckets whose names start with this prefix")
	root.AddCommand(catCmd)

	root.AddCommand(&cobra.Command{
		Use:   "listen",
		Short: "Apply object change notifications to the inventory table",
		Long: `Listen consumes the configured Pub/Sub subscription and applies each
object change notification to the inventory table, acknowledging messages
only after their rows have been flushed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(configFile, logLevel, config.ModeListen)
			if err != nil {
				return err
			}
			return runListen(cmd.Context(), cfg)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var configOut string
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(configOut); err != nil {
				return err
			}
			fmt.Printf("wrote %s; replace the CONFIGURE_ME values before running\n", configOut)
			return nil
		},
	}
	configInitCmd.Flags().StringVarP(&configOut, "output", "o", "gcsinventory.yaml", "Destination path for the example configuration")
	configCmd.AddCommand(configInitCmd)
	root.AddCommand(configCmd)

	tableCmd := &cobra.Command{
		Use:   "table",
		Short: "Inventory table maintenance",
	}
	tableCmd.AddCommand(&cobra.Command{
		Use:   "drop",
		Short: "Delete the inventory table (cannot be undone)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(configFile, logLevel, config.ModeLoad)
			if err != nil {
				return err
			}
			return runTableDrop(cmd.Context(), cfg)
		},
	})
	root.AddCommand(tableCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads and validates the configuration for the given mode and
// initializes the global logger.
func setup(configFile, logLevel string, mode config.Mode) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func backoffFrom(cfg *config.Config) sink.BackoffPolicy {
	return sink.BackoffPolicy{
		MaxAttempts: cfg.Runtime.RetryAttempts,
		Delay:       cfg.Runtime.RetryDelay,
		MaxDelay:    cfg.Runtime.MaxRetryDelay,
	}
}

func pipelineConfig(cfg *config.Config, buckets []string, prefix, bucketPrefix string) pipeline.Config {
	return pipeline.Config{
		Buckets:      buckets,
		BucketPrefix: bucketPrefix,
		Prefix:       prefix,
		FetchACLs:    cfg.GCP.ACLs,
		Workers:      cfg.PageWorkers(),
		ListingLanes: cfg.Runtime.ListingLanes,
		QueueSize:    cfg.Runtime.WorkQueueSize,
		Backoff:      backoffFrom(cfg),
	}
}

// runLoad performs a bulk inventory run into BigQuery. The exit status is
// non-zero when any row permanently failed to write, so schedulers can tell a
// complete inventory from a partial one.
func runLoad(ctx context.Context, cfg *config.Config, buckets []string, prefix, bucketPrefix string) error {
	log := logger.With(zap.String("command", "load"))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(cfg.Tracing.Enabled, "gcsinventory")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	bqClient, err := bigquery.NewClient(ctx, cfg.TableProject())
	if err != nil {
		return fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	defer bqClient.Close()

	gcsClient, err := gcs.NewClient(ctx, cfg.GCP.Project)
	if err != nil {
		return err
	}
	defer gcsClient.Close()

	table := bq.Table{
		Project: cfg.TableProject(),
		Dataset: cfg.BigQuery.Dataset,
		Name:    cfg.BigQuery.InventoryTable,
	}
	if err := table.Ensure(ctx, bqClient); err != nil {
		return err
	}
	log.Info("inventory table ready", zap.String("table", table.FullyQualifiedName()))

	out := sink.NewBigQuery(bqClient, table, cfg.BigQuery.BatchWriteSize, backoffFrom(cfg), log)
	p := pipeline.New(gcsClient, out, pipelineConfig(cfg, buckets, prefix, bucketPrefix), log)

	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if stats.Sink.RowsFailed > 0 {
		return fmt.Errorf("%d rows failed to write to %s", stats.Sink.RowsFailed, table.FullyQualifiedName())
	}
	return nil
}

// runCat is the same pipeline aimed at stdout, one JSON object per line.
// Logs go to stderr so the output stream stays clean.
func runCat(ctx context.Context, cfg *config.Config, buckets []string, prefix, bucketPrefix string) error {
	log := logger.With(zap.String("command", "cat"))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gcsClient, err := gcs.NewClient(ctx, cfg.GCP.Project)
	if err != nil {
		return err
	}
	defer gcsClient.Close()

	out := sink.NewLDJSON(os.Stdout)
	p := pipeline.New(gcsClient, out, pipelineConfig(cfg, buckets, prefix, bucketPrefix), log)

	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	if stats.Sink.RowsFailed > 0 {
		return fmt.Errorf("%d records failed to write", stats.Sink.RowsFailed)
	}
	return nil
}

func runTableDrop(ctx context.Context, cfg *config.Config) error {
	bqClient, err := bigquery.NewClient(ctx, cfg.TableProject())
	if err != nil {
		return fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	defer bqClient.Close()

	table := bq.Table{
		Project: cfg.TableProject(),
		Dataset: cfg.BigQuery.Dataset,
		Name:    cfg.BigQuery.InventoryTable,
	}
	if err := table.Drop(ctx, bqClient); err != nil {
		return err
	}
	fmt.Printf("dropped %s\n", table.FullyQualifiedName())
	return nil
}

// runListen consumes change notifications until interrupted.
func runListen(ctx context.Context, cfg *config.Config) error {
	log := logger.With(zap.String("command", "listen"))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(cfg.Tracing.Enabled, "gcsinventory")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	bqClient, err := bigquery.NewClient(ctx, cfg.TableProject())
	if err != nil {
		return fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	defer bqClient.Close()

	psClient, err := pubsub.NewClient(ctx, cfg.GCP.Project)
	if err != nil {
		return fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	defer psClient.Close()

	table := bq.Table{
		Project: cfg.TableProject(),
		Dataset: cfg.BigQuery.Dataset,
		Name:    cfg.BigQuery.InventoryTable,
	}
	if err := table.Ensure(ctx, bqClient); err != nil {
		return err
	}

	sub, err := listen.EnsureSubscription(ctx, psClient, cfg.PubSub.Topic, cfg.PubSub.Subscription)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go metrics.Serve(ctx, cfg.Metrics.Addr, log)
	}

	backoff := backoffFrom(cfg)
	out := sink.NewBigQuery(bqClient, table, cfg.BigQuery.BatchWriteSize, backoff, log)
	l := listen.New(out, listen.NewBigQueryDML(bqClient, table, backoff), listen.Config{
		BatchSize:      cfg.BigQuery.BatchWriteSize,
		WaitTimeout:    cfg.PubSub.WaitTimeout,
		MaxOutstanding: cfg.PubSub.MaxOutstanding,
	}, log)

	return l.Run(ctx, sub)
}
