// Package config provides the configuration system for the inventory loader.
// Configuration is read from a YAML file through viper, with environment
// variable overrides (GCSINVENTORY_ prefix) and sensible defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// Sentinel value used in generated example files; validation rejects it so a
// half-edited config fails before any work starts.
const placeholder = "CONFIGURE_ME"

// Mode identifies which command the configuration must support.
type Mode string

const (
	ModeLoad   Mode = "load"
	ModeCat    Mode = "cat"
	ModeListen Mode = "listen"
)

// Config is the complete program configuration.
type Config struct {
	GCP      GCPConfig      `mapstructure:"gcp" yaml:"gcp"`
	BigQuery BigQueryConfig `mapstructure:"bigquery" yaml:"bigquery"`
	PubSub   PubSubConfig   `mapstructure:"pubsub" yaml:"pubsub"`
	Runtime  RuntimeConfig  `mapstructure:"runtime" yaml:"runtime"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// GCPConfig identifies the project to inventory.
type GCPConfig struct {
	// Project is the project whose buckets are listed.
	Project string `mapstructure:"project" yaml:"project"`
	// ACLs enables per-object ACL inventorying for buckets without
	// uniform bucket-level access.
	ACLs bool `mapstructure:"acls" yaml:"acls"`
}

// BigQueryConfig identifies the destination table.
type BigQueryConfig struct {
	// JobProject is the project that owns the destination dataset.
	// Defaults to GCP.Project when empty.
	JobProject     string `mapstructure:"job_project" yaml:"job_project"`
	Dataset        string `mapstructure:"dataset" yaml:"dataset"`
	InventoryTable string `mapstructure:"inventory_table" yaml:"inventory_table"`
	// BatchWriteSize is the number of rows per streaming insert.
	BatchWriteSize int `mapstructure:"batch_write_size" yaml:"batch_write_size"`
}

// PubSubConfig identifies the change-notification subscription.
type PubSubConfig struct {
	Topic        string `mapstructure:"topic" yaml:"topic"`
	Subscription string `mapstructure:"subscription" yaml:"subscription"`
	// WaitTimeout bounds the flush window in listen mode, and therefore
	// the amount of unacknowledged work a crash can leave behind.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	// MaxOutstanding caps messages held unacknowledged at once.
	MaxOutstanding int `mapstructure:"max_outstanding" yaml:"max_outstanding"`
}

// RuntimeConfig tunes the pipeline.
type RuntimeConfig struct {
	// Workers is the total concurrency budget; listing lanes are carved
	// out of it and the remainder becomes page workers.
	Workers       int `mapstructure:"workers" yaml:"workers"`
	WorkQueueSize int `mapstructure:"work_queue_size" yaml:"work_queue_size"`
	ListingLanes  int `mapstructure:"listing_lanes" yaml:"listing_lanes"`
	// RetryAttempts bounds retries of transient listing and write failures.
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint, served in listen mode.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		BigQuery: BigQueryConfig{BatchWriteSize: 100},
		PubSub: PubSubConfig{
			WaitTimeout:    10 * time.Second,
			MaxOutstanding: 1000,
		},
		Runtime: RuntimeConfig{
			Workers:       64,
			WorkQueueSize: 1000,
			ListingLanes:  2,
			RetryAttempts: 5,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads the configuration file at path, applies environment overrides
// and returns the merged configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("GCSINVENTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeConfig, "failed to read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, inverrors.Wrap(err, inverrors.ErrorTypeConfig, "failed to parse config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("bigquery.batch_write_size", d.BigQuery.BatchWriteSize)
	v.SetDefault("pubsub.wait_timeout", d.PubSub.WaitTimeout)
	v.SetDefault("pubsub.max_outstanding", d.PubSub.MaxOutstanding)
	v.SetDefault("runtime.workers", d.Runtime.Workers)
	v.SetDefault("runtime.work_queue_size", d.Runtime.WorkQueueSize)
	v.SetDefault("runtime.listing_lanes", d.Runtime.ListingLanes)
	v.SetDefault("runtime.retry_attempts", d.Runtime.RetryAttempts)
	v.SetDefault("runtime.retry_delay", d.Runtime.RetryDelay)
	v.SetDefault("runtime.max_retry_delay", d.Runtime.MaxRetryDelay)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
}

// Validate checks that the configuration can support the given mode. Fatal
// configuration problems are reported here, before any work starts.
func (c *Config) Validate(mode Mode) error {
	if err := c.checkPlaceholders(); err != nil {
		return err
	}
	if c.GCP.Project == "" {
		return inverrors.New(inverrors.ErrorTypeConfig, "gcp.project is required")
	}
	if c.Runtime.Workers <= 0 || c.Runtime.WorkQueueSize <= 0 {
		return inverrors.New(inverrors.ErrorTypeConfig, "runtime.workers and runtime.work_queue_size must be positive")
	}
	if c.Runtime.ListingLanes <= 0 {
		return inverrors.New(inverrors.ErrorTypeConfig, "runtime.listing_lanes must be positive")
	}

	switch mode {
	case ModeLoad, ModeListen:
		if c.BigQuery.Dataset == "" || c.BigQuery.InventoryTable == "" {
			return inverrors.New(inverrors.ErrorTypeConfig,
				"bigquery.dataset and bigquery.inventory_table are required").
				WithDetail("mode", string(mode))
		}
	case ModeCat:
		// Writes to stdout; no destination table needed.
	}

	if mode == ModeListen {
		if c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			return inverrors.New(inverrors.ErrorTypeConfig, "pubsub.topic and pubsub.subscription are required")
		}
	}
	return nil
}

// TableProject returns the project that owns the destination table.
func (c *Config) TableProject() string {
	if c.BigQuery.JobProject != "" {
		return c.BigQuery.JobProject
	}
	return c.GCP.Project
}

// PageWorkers returns the worker-pool size: the configured concurrency budget
// minus the listing lanes, never below two.
func (c *Config) PageWorkers() int {
	workers := c.Runtime.Workers - c.Runtime.ListingLanes
	if workers < 2 {
		workers = 2
	}
	return workers
}

func (c *Config) checkPlaceholders() error {
	for _, field := range []struct{ key, val string }{
		{"gcp.project", c.GCP.Project},
		{"bigquery.job_project", c.BigQuery.JobProject},
		{"bigquery.dataset", c.BigQuery.Dataset},
		{"bigquery.inventory_table", c.BigQuery.InventoryTable},
		{"pubsub.topic", c.PubSub.Topic},
		{"pubsub.subscription", c.PubSub.Subscription},
	} {
		if field.val == placeholder {
			return inverrors.New(inverrors.ErrorTypeConfig, "placeholder value not configured").
				WithDetail("key", field.key)
		}
	}
	return nil
}
