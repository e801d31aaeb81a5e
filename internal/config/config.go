// Package config holds the engine's tunable parameters and their
// defaults, with optional loading from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" or "150ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full parameter set. Field names follow the protocol's
// option vocabulary.
type Config struct {
	Interface   string `yaml:"interface"`
	Name        string `yaml:"name"`
	DownloadDir string `yaml:"download_dir"`

	HelloInterval     Duration `yaml:"hello_interval"`
	PeerStaleAfter    Duration `yaml:"peer_stale_after"`
	PeerDeadAfter     Duration `yaml:"peer_dead_after"`
	ReassemblyTimeout Duration `yaml:"reassembly_timeout"`

	FileWindow             int      `yaml:"file_window"`
	FileFragRetryInterval  Duration `yaml:"file_frag_retry_interval"`
	FileFragMaxRetries     int      `yaml:"file_frag_max_retries"`
	FileOfferRetryInterval Duration `yaml:"file_offer_retry_interval"`
	FileOfferMaxRetries    int      `yaml:"file_offer_max_retries"`
	FileCompleteTimeout    Duration `yaml:"file_complete_timeout"`
	FileRecvStallTimeout   Duration `yaml:"file_recv_stall_timeout"`
	FileAcceptTimeout      Duration `yaml:"file_accept_timeout"`
}

// Default returns a Config with every parameter at its documented
// default.
func Default() *Config {
	return &Config{
		DownloadDir:            "received",
		HelloInterval:          Duration(5 * time.Second),
		PeerStaleAfter:         Duration(15 * time.Second),
		PeerDeadAfter:          Duration(30 * time.Second),
		ReassemblyTimeout:      Duration(30 * time.Second),
		FileWindow:             16,
		FileFragRetryInterval:  Duration(time.Second),
		FileFragMaxRetries:     5,
		FileOfferRetryInterval: Duration(2 * time.Second),
		FileOfferMaxRetries:    3,
		FileCompleteTimeout:    Duration(10 * time.Second),
		FileRecvStallTimeout:   Duration(30 * time.Second),
		FileAcceptTimeout:      Duration(2 * time.Second),
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
