package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcsinventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gcp:
  project: my-project
bigquery:
  dataset: inv
  inventory_table: objects
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.GCP.Project)
	assert.Equal(t, 100, cfg.BigQuery.BatchWriteSize)
	assert.Equal(t, 64, cfg.Runtime.Workers)
	assert.Equal(t, 1000, cfg.Runtime.WorkQueueSize)
	assert.Equal(t, 2, cfg.Runtime.ListingLanes)
	assert.Equal(t, 10*time.Second, cfg.PubSub.WaitTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
gcp:
  project: my-project
  acls: true
bigquery:
  job_project: billing-project
  dataset: inv
  inventory_table: objects
  batch_write_size: 250
runtime:
  workers: 16
  listing_lanes: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.GCP.ACLs)
	assert.Equal(t, 250, cfg.BigQuery.BatchWriteSize)
	assert.Equal(t, 16, cfg.Runtime.Workers)
	assert.Equal(t, 4, cfg.Runtime.ListingLanes)
	assert.Equal(t, "billing-project", cfg.TableProject())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.GCP.Project = "p"
		cfg.BigQuery.Dataset = "d"
		cfg.BigQuery.InventoryTable = "t"
		cfg.PubSub.Topic = "changes"
		cfg.PubSub.Subscription = "inventory"
		return &cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		mode    Mode
		wantErr bool
	}{
		{name: "load ok", mutate: func(*Config) {}, mode: ModeLoad},
		{name: "listen ok", mutate: func(*Config) {}, mode: ModeListen},
		{name: "cat without table", mutate: func(c *Config) {
			c.BigQuery.Dataset = ""
			c.BigQuery.InventoryTable = ""
		}, mode: ModeCat},
		{name: "load without table", mutate: func(c *Config) {
			c.BigQuery.Dataset = ""
		}, mode: ModeLoad, wantErr: true},
		{name: "listen without subscription", mutate: func(c *Config) {
			c.PubSub.Subscription = ""
		}, mode: ModeListen, wantErr: true},
		{name: "missing project", mutate: func(c *Config) {
			c.GCP.Project = ""
		}, mode: ModeCat, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) {
			c.Runtime.Workers = 0
		}, mode: ModeLoad, wantErr: true},
		{name: "unedited placeholder", mutate: func(c *Config) {
			c.BigQuery.Dataset = placeholder
		}, mode: ModeLoad, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTableProjectFallsBackToGCPProject(t *testing.T) {
	cfg := Defaults()
	cfg.GCP.Project = "p"
	assert.Equal(t, "p", cfg.TableProject())

	cfg.BigQuery.JobProject = "other"
	assert.Equal(t, "other", cfg.TableProject())
}

func TestPageWorkers(t *testing.T) {
	tests := []struct {
		workers, lanes, want int
	}{
		{64, 2, 62},
		{4, 2, 2},
		{3, 2, 2},
		{2, 2, 2},
	}
	for _, tt := range tests {
		cfg := Defaults()
		cfg.Runtime.Workers = tt.workers
		cfg.Runtime.ListingLanes = tt.lanes
		assert.Equal(t, tt.want, cfg.PageWorkers(), "workers=%d lanes=%d", tt.workers, tt.lanes)
	}
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.Validate(ModeLoad)
	require.Error(t, err, "an unedited example must not validate")

	assert.Error(t, WriteExample(path), "refuses to overwrite an existing file")
}
