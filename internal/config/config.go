// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `inlineesp:` root key in YAML.
type GlobalConfig struct {
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Accelerator AcceleratorConfig `mapstructure:"accelerator"`
	SA          SAConfig          `mapstructure:"sa"`
	Reporter    ReporterConfig    `mapstructure:"reporter"`
}

// ─── Pipeline ───

// PipelineConfig configures packet input, output and the resubmission queue.
type PipelineConfig struct {
	Input          string `mapstructure:"input"`            // pcap file to read
	Output         string `mapstructure:"output"`           // pcap file to write; empty = discard
	BPFFilter      string `mapstructure:"bpf_filter"`       // "esp" | "udp" | "tcp" | "host 10.0.0.1" | ""
	ResubmitQueue  int    `mapstructure:"resubmit_queue"`   // capacity of the resubmission queue
	SnapLen        int    `mapstructure:"snap_len"`         // pcap snapshot length for the output file
	DefaultSAIndex uint32 `mapstructure:"default_sa_index"` // outbound index when no selector matches; 0 = none
}

// ─── Accelerator ───

// AcceleratorConfig selects the crypto engine.
type AcceleratorConfig struct {
	Algorithm string `mapstructure:"algorithm"` // aes-gcm | aes-gmac | chacha20-poly1305
}

// ─── Security Associations ───

// SAConfig points at the SA table file.
type SAConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"` // reload the table when the file changes
}

// ─── Reporters ───

// ReporterConfig configures verdict reporting.
type ReporterConfig struct {
	Console bool                `mapstructure:"console"`
	Kafka   KafkaReporterConfig `mapstructure:"kafka"`
}

// KafkaReporterConfig configures the kafka verdict reporter.
type KafkaReporterConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	Compression  string   `mapstructure:"compression"` // none | gzip | snappy | lz4
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `inlineesp: ...`.
type configRoot struct {
	InlineESP GlobalConfig `mapstructure:"inlineesp"`
}

var validAlgorithms = map[string]bool{
	"aes-gcm":           true,
	"aes-gmac":          true,
	"chacha20-poly1305": true,
}

// Load loads configuration from file.
// The YAML file uses `inlineesp:` as root key; env vars use the INLINEESP_ prefix
// (e.g. INLINEESP_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.InlineESP

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *GlobalConfig {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	_ = v.Unmarshal(&root)
	cfg := root.InlineESP
	return &cfg
}

// setDefaults sets default values for configuration.
// All keys use the "inlineesp." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("inlineesp.log.level", "info")
	v.SetDefault("inlineesp.log.format", "text")
	v.SetDefault("inlineesp.log.outputs.file.enabled", false)
	v.SetDefault("inlineesp.log.outputs.file.path", "/var/log/inlineesp/inlineesp.log")
	v.SetDefault("inlineesp.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("inlineesp.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("inlineesp.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("inlineesp.log.outputs.file.rotation.compress", true)

	v.SetDefault("inlineesp.metrics.enabled", false)
	v.SetDefault("inlineesp.metrics.listen", ":9091")
	v.SetDefault("inlineesp.metrics.path", "/metrics")

	v.SetDefault("inlineesp.pipeline.resubmit_queue", 64)
	v.SetDefault("inlineesp.pipeline.snap_len", 65535)

	v.SetDefault("inlineesp.accelerator.algorithm", "aes-gcm")

	v.SetDefault("inlineesp.sa.watch", false)

	v.SetDefault("inlineesp.reporter.console", true)
	v.SetDefault("inlineesp.reporter.kafka.enabled", false)
	v.SetDefault("inlineesp.reporter.kafka.compression", "snappy")
	v.SetDefault("inlineesp.reporter.kafka.batch_size", 100)
	v.SetDefault("inlineesp.reporter.kafka.batch_timeout", "100ms")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Accelerator ──
	cfg.Accelerator.Algorithm = strings.ToLower(cfg.Accelerator.Algorithm)
	if !validAlgorithms[cfg.Accelerator.Algorithm] {
		return fmt.Errorf("invalid accelerator.algorithm: %s", cfg.Accelerator.Algorithm)
	}

	// ── Pipeline ──
	if cfg.Pipeline.ResubmitQueue <= 0 {
		return fmt.Errorf("pipeline.resubmit_queue must be positive, got %d", cfg.Pipeline.ResubmitQueue)
	}
	if cfg.Pipeline.SnapLen <= 0 {
		cfg.Pipeline.SnapLen = 65535
	}

	// ── Kafka reporter ──
	if cfg.Reporter.Kafka.Enabled {
		if len(cfg.Reporter.Kafka.Brokers) == 0 {
			return fmt.Errorf("reporter.kafka.brokers is required when reporter.kafka.enabled=true")
		}
		if cfg.Reporter.Kafka.Topic == "" {
			return fmt.Errorf("reporter.kafka.topic is required when reporter.kafka.enabled=true")
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}

	return nil
}
