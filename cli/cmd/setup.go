package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/assay/adapter"
	"github.com/pithecene-io/assay/adapter/redis"
	"github.com/pithecene-io/assay/adapter/webhook"
	"github.com/pithecene-io/assay/cli/config"
)

// defaultConfigPath is checked when --config is not given.
const defaultConfigPath = "assay.yaml"

// loadConfig resolves the config file. An explicit --config that cannot
// be loaded is an error; a missing default file is not.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigPath); err != nil {
		return &config.Config{}, nil
	}
	return config.Load(defaultConfigPath)
}

// backendURL resolves the backend base URL: flag over config.
func backendURL(c *cli.Context, cfg *config.Config) (string, error) {
	url := c.String("backend")
	if url == "" {
		url = cfg.Backend.URL
	}
	if url == "" {
		return "", cli.Exit("backend URL required (--backend or assay.yaml)", 1)
	}
	return url, nil
}

// buildAdapter constructs the configured run-completion adapter, or nil.
func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	retries := -1
	if cfg.Adapter.Retries != nil {
		retries = *cfg.Adapter.Retries
	}

	switch cfg.Adapter.Type {
	case "":
		return nil, nil
	case "webhook":
		wcfg := webhook.Config{
			URL:     cfg.Adapter.URL,
			Headers: cfg.Adapter.Headers,
			Timeout: cfg.Adapter.Timeout.Duration,
		}
		if retries >= 0 {
			wcfg.Retries = retries
		} else {
			wcfg.Retries = webhook.DefaultRetries
		}
		return webhook.New(wcfg)
	case "redis":
		rcfg := redis.Config{
			URL:     cfg.Adapter.URL,
			Channel: cfg.Adapter.Channel,
			Timeout: cfg.Adapter.Timeout.Duration,
		}
		if retries >= 0 {
			rcfg.Retries = retries
		} else {
			rcfg.Retries = redis.DefaultRetries
		}
		return redis.New(rcfg)
	default:
		return nil, fmt.Errorf("unknown adapter type: %q", cfg.Adapter.Type)
	}
}
