// Package config loads the process-wide configuration for the dispatcher,
// scheduler, and crawler components from a TOML file with environment
// overrides, following the priority order default -> file -> env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration object. Every component receives the
// slice it needs at construction time; nothing is read from globals.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Indexer   IndexerConfig   `toml:"indexer"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Queue     QueueConfig     `toml:"queue"`
	Crawler   CrawlerConfig   `toml:"crawler"`
	Logging   LoggingConfig   `toml:"logging"`
}

type StorageConfig struct {
	BadgerPath     string `toml:"badger_path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type IndexerConfig struct {
	BadgerPath        string `toml:"badger_path"`
	FlushIntervalSecs int    `toml:"flush_interval_seconds"` // §4.3 bulk write cadence
	FlushBatchSize    int    `toml:"flush_batch_size"`
	MaxBufferedDocs   int    `toml:"max_buffered_docs"` // §9 backpressure
	RetentionMetrics  string `toml:"retention_metrics"` // e.g. "168h" (7 days)
	RetentionEvents   string `toml:"retention_events"`  // e.g. "2160h" (90 days)
}

type SchedulerConfig struct {
	WakeupPollSecs int `toml:"wakeup_poll_seconds"` // granularity of the "earliest next_fire_time" wake loop
}

type QueueConfig struct {
	ConversionWorkers int    `toml:"conversion_workers"`
	CrawlerWorkers    int    `toml:"crawler_workers"`
	SoftTimeout       string `toml:"soft_timeout"` // e.g. "55m"
	HardTimeout       string `toml:"hard_timeout"` // e.g. "60m"
	HeartbeatTTL      string `toml:"heartbeat_ttl"`
	MaxPagesPerDoc    int    `toml:"max_pages_per_document"`
	MergeGracePeriod  string `toml:"merge_grace_period"` // default 30m, §4.5.1
	ConflictRetries   int    `toml:"conflict_retries"`   // §4.2 optimistic concurrency retry cap
	TaskMaxAttempts   int    `toml:"task_max_attempts"`  // §4.5 requeue-on-error cap
}

type CrawlerConfig struct {
	MaxConcurrentDownloads int    `toml:"max_concurrent_downloads"`
	MaxConcurrentAssets    int    `toml:"max_concurrent_assets"`
	DownloadTimeoutSecs    int    `toml:"download_timeout_seconds"`
	UserAgent              string `toml:"user_agent"`
	RespectRobotsTxt       bool   `toml:"respect_robots_txt"`
	RateLimitPerSecond     float64 `toml:"rate_limit_per_second"`
	DefaultEngine          string `toml:"default_engine"`
	HeadlessTimeoutSecs    int    `toml:"headless_timeout_seconds"`
	MaxRetries             int    `toml:"max_retries"`
	RetryDelayBaseSecs     int    `toml:"retry_delay_base_seconds"`
	ResultTTLSecs          int    `toml:"result_ttl_seconds"`
	PerHostDelayMillis     int    `toml:"per_host_delay_millis"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the zero-config defaults used by tests and as the base
// layer before a TOML file is overlaid.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			BadgerPath:     "./data/jobs",
			ResetOnStartup: false,
		},
		Indexer: IndexerConfig{
			BadgerPath:        "./data/index",
			FlushIntervalSecs: 5,
			FlushBatchSize:    100,
			MaxBufferedDocs:   10000,
			RetentionMetrics:  "168h",
			RetentionEvents:   "2160h",
		},
		Scheduler: SchedulerConfig{
			WakeupPollSecs: 1,
		},
		Queue: QueueConfig{
			ConversionWorkers: 4,
			CrawlerWorkers:    4,
			SoftTimeout:       "55m",
			HardTimeout:       "60m",
			HeartbeatTTL:      "2m",
			MaxPagesPerDoc:    2000,
			MergeGracePeriod:  "30m",
			ConflictRetries:   5,
			TaskMaxAttempts:   5,
		},
		Crawler: CrawlerConfig{
			MaxConcurrentDownloads: 5,
			MaxConcurrentAssets:    10,
			DownloadTimeoutSecs:    60,
			UserAgent:              "DocuFlow-Crawler/1.0",
			RespectRobotsTxt:       true,
			RateLimitPerSecond:     2,
			DefaultEngine:          "html_parser",
			HeadlessTimeoutSecs:    30,
			MaxRetries:             3,
			RetryDelayBaseSecs:     1,
			ResultTTLSecs:          0,
			PerHostDelayMillis:     500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path and overlays it onto Default(). An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets a small set of secrets/operational knobs be set
// via environment without editing the TOML file, e.g. in containers.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCUFLOW_BADGER_PATH"); v != "" {
		cfg.Storage.BadgerPath = v
	}
	if v := os.Getenv("DOCUFLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DOCUFLOW_CRAWLER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.CrawlerWorkers = n
		}
	}
}

// Duration parses a config duration string, falling back to def on error or
// empty input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
