package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stackdrift/gcsinventory/pkg/inverrors"
)

// WriteExample writes a starter configuration file to path. Required values
// are filled with a placeholder that validation refuses, so forgetting to
// edit the file is a startup error rather than a confusing runtime one.
func WriteExample(path string) error {
	cfg := Defaults()
	cfg.GCP.Project = placeholder
	cfg.BigQuery.Dataset = placeholder
	cfg.BigQuery.InventoryTable = placeholder
	cfg.PubSub.Topic = placeholder
	cfg.PubSub.Subscription = placeholder

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return inverrors.Wrap(err, inverrors.ErrorTypeConfig, "failed to marshal example config")
	}

	if _, err := os.Stat(path); err == nil {
		return inverrors.New(inverrors.ErrorTypeConfig, "config file already exists").
			WithDetail("path", path)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return inverrors.Wrap(err, inverrors.ErrorTypeConfig, "failed to write example config")
	}
	return nil
}
