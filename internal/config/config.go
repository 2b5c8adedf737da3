// Package config loads the engine's TOML configuration, following the
// teacher's naoina/toml + hand-rolled Marshal/UnmarshalTOML idiom (see
// datasync/dbsyncer/gen_config.go) instead of a gencodec-generated
// file, since nothing here needs code generation at build time.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
)

// ChainConfig is the set of options recognized per chain (§6 of
// SPEC_FULL.md).
type ChainConfig struct {
	Enabled      bool   `toml:"enabled"`
	UseLocalNode bool   `toml:"use_local_node"`
	Mode         string `toml:"mode"`          // "tip" or "backfill"
	StartPosition int64 `toml:"start_position"` // -1 means "no explicit start"
	Parallelism  int    `toml:"parallelism"`
	TxLimit      int    `toml:"tx_limit"` // 0 = unlimited

	LocalRPCURL  string `toml:",omitempty"`
	LocalRPCUser string `toml:",omitempty"`
	LocalRPCPass string `toml:",omitempty"`
	PublicRPCURL string `toml:",omitempty"`
}

// MarshalTOML marshals as TOML, following the pointer-shadow-struct
// pattern gencodec emits so zero-valued optional fields are omitted
// rather than written out as empty strings.
func (c ChainConfig) MarshalTOML() (interface{}, error) {
	type ChainConfig struct {
		Enabled       bool
		UseLocalNode  bool
		Mode          string
		StartPosition int64
		Parallelism   int
		TxLimit       int
		LocalRPCURL   string `toml:",omitempty"`
		LocalRPCUser  string `toml:",omitempty"`
		LocalRPCPass  string `toml:",omitempty"`
		PublicRPCURL  string `toml:",omitempty"`
	}
	var enc ChainConfig
	enc.Enabled = c.Enabled
	enc.UseLocalNode = c.UseLocalNode
	enc.Mode = c.Mode
	enc.StartPosition = c.StartPosition
	enc.Parallelism = c.Parallelism
	enc.TxLimit = c.TxLimit
	enc.LocalRPCURL = c.LocalRPCURL
	enc.LocalRPCUser = c.LocalRPCUser
	enc.LocalRPCPass = c.LocalRPCPass
	enc.PublicRPCURL = c.PublicRPCURL
	return &enc, nil
}

// UnmarshalTOML unmarshals from TOML.
func (c *ChainConfig) UnmarshalTOML(unmarshal func(interface{}) error) error {
	type ChainConfig struct {
		Enabled       *bool
		UseLocalNode  *bool
		Mode          *string
		StartPosition *int64
		Parallelism   *int
		TxLimit       *int
		LocalRPCURL   *string `toml:",omitempty"`
		LocalRPCUser  *string `toml:",omitempty"`
		LocalRPCPass  *string `toml:",omitempty"`
		PublicRPCURL  *string `toml:",omitempty"`
	}
	var dec ChainConfig
	if err := unmarshal(&dec); err != nil {
		return err
	}
	if dec.Enabled != nil {
		c.Enabled = *dec.Enabled
	}
	if dec.UseLocalNode != nil {
		c.UseLocalNode = *dec.UseLocalNode
	}
	if dec.Mode != nil {
		c.Mode = *dec.Mode
	}
	if dec.StartPosition != nil {
		c.StartPosition = *dec.StartPosition
	}
	if dec.Parallelism != nil {
		c.Parallelism = *dec.Parallelism
	}
	if dec.TxLimit != nil {
		c.TxLimit = *dec.TxLimit
	}
	if dec.LocalRPCURL != nil {
		c.LocalRPCURL = *dec.LocalRPCURL
	}
	if dec.LocalRPCUser != nil {
		c.LocalRPCUser = *dec.LocalRPCUser
	}
	if dec.LocalRPCPass != nil {
		c.LocalRPCPass = *dec.LocalRPCPass
	}
	if dec.PublicRPCURL != nil {
		c.PublicRPCURL = *dec.PublicRPCURL
	}
	return nil
}

// Config is the root configuration document.
type Config struct {
	Bitcoin ChainConfig `toml:"bitcoin"`
	Solana  ChainConfig `toml:"solana"`

	CycleIntervalSeconds int `toml:"cycle_interval_seconds"`
	MaxDurationMinutes   int `toml:"max_duration_minutes"` // 0 disables
	MaxSizeGB            float64 `toml:"max_size_gb"`

	SinkBatchSize   int `toml:"sink_batch_size"`
	SinkMaxRetries  int `toml:"sink_max_retries"`

	StoreDSN string `toml:"store_dsn"`

	HTTPAddr string `toml:"http_addr"`

	// KafkaBrokers is optional: empty disables commit-event publishing.
	KafkaBrokers []string `toml:"kafka_brokers"`
}

// CycleInterval returns the base sleep between cycles as a
// time.Duration.
func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// MaxDuration returns the run-level wall-clock budget, or 0 if
// disabled.
func (c Config) MaxDuration() time.Duration {
	if c.MaxDurationMinutes <= 0 {
		return 0
	}
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// Default returns the documented defaults from SPEC_FULL.md §6.
func Default() Config {
	return Config{
		Bitcoin: ChainConfig{
			Enabled:       true,
			UseLocalNode:  false,
			Mode:          "tip",
			StartPosition: -1,
			Parallelism:   1,
			TxLimit:       0,
		},
		Solana: ChainConfig{
			Enabled:       true,
			Mode:          "tip",
			StartPosition: -1,
			Parallelism:   1,
			TxLimit:       0,
		},
		CycleIntervalSeconds: 5,
		MaxDurationMinutes:   10,
		MaxSizeGB:            5,
		SinkBatchSize:        500,
		SinkMaxRetries:       3,
		HTTPAddr:             ":8585",
	}
}

// Load reads and parses a TOML config file, starting from Default()
// so any field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
