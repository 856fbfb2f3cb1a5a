package config

import (
	"fmt"
	"time"
)

// Config represents an assay.yaml configuration file.
// All values are optional and act as defaults for assay run flags.
// CLI flags always override config values.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Pacing  PacingConfig  `yaml:"pacing"`
	Trace   TraceConfig   `yaml:"trace"`
	Adapter AdapterConfig `yaml:"adapter"`
}

// BackendConfig holds workbench backend defaults from the config file.
type BackendConfig struct {
	// URL is the backend base URL, e.g. http://localhost:8000.
	URL string `yaml:"url"`
	// Model is an optional model identifier forwarded on chat calls.
	Model string `yaml:"model"`
}

// PacingConfig holds stream display pacing defaults.
type PacingConfig struct {
	// Interval is the pacing tick interval, e.g. "30ms".
	Interval Duration `yaml:"interval"`
	// Slice is the number of characters released per tick.
	Slice int `yaml:"slice"`
}

// TraceConfig holds trace capture defaults from the config file.
type TraceConfig struct {
	// Path is the capture file path. Empty disables capture.
	Path string `yaml:"path"`
	// Archive configures optional S3 upload of finished captures.
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds S3 archive defaults from the config file.
type ArchiveConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds run-completion adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
