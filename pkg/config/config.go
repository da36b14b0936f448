package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// RedisConfig controls the Redis connection shared by velocity counters, the
// outbox stream, and the publisher's event bus stream.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EvaluationConfig controls the rule evaluator's debug-capture knobs.
type EvaluationConfig struct {
	DebugEnabled            bool    `json:"debug_enabled" yaml:"debug_enabled" env:"EVALUATION_DEBUG_ENABLED"`
	DebugSampleRate         float64 `json:"debug_sample_rate" yaml:"debug_sample_rate" env:"EVALUATION_DEBUG_SAMPLE_RATE"`
	MaxConditionEvaluations int     `json:"max_condition_evaluations" yaml:"max_condition_evaluations" env:"EVALUATION_MAX_CONDITION_EVALUATIONS"`
	IncludeFieldValues      bool    `json:"include_field_values" yaml:"include_field_values" env:"EVALUATION_INCLUDE_FIELD_VALUES"`
}

// VelocityConfig controls the rolling-window counter service.
type VelocityConfig struct {
	CommandTimeoutMS int `json:"command_timeout_ms" yaml:"command_timeout_ms" env:"VELOCITY_COMMAND_TIMEOUT_MS"`
}

// OutboxConfig controls the bounded in-process queue and its durable stream.
type OutboxConfig struct {
	QueueCapacity    int    `json:"queue_capacity" yaml:"queue_capacity" env:"OUTBOX_QUEUE_CAPACITY"`
	StreamKey        string `json:"stream_key" yaml:"stream_key" env:"OUTBOX_STREAM_KEY"`
	MaxStreamLen     int64  `json:"max_stream_len" yaml:"max_stream_len" env:"OUTBOX_MAX_STREAM_LEN"`
	RetryAttempts    int    `json:"retry_attempts" yaml:"retry_attempts" env:"OUTBOX_RETRY_ATTEMPTS"`
	RetryInitialMS   int    `json:"retry_initial_ms" yaml:"retry_initial_ms" env:"OUTBOX_RETRY_INITIAL_MS"`
	RetryMaxMS       int    `json:"retry_max_ms" yaml:"retry_max_ms" env:"OUTBOX_RETRY_MAX_MS"`
}

// PublisherConfig controls the worker that drains the outbox stream onto the
// decision event bus.
type PublisherConfig struct {
	ConsumerGroup           string `json:"consumer_group" yaml:"consumer_group" env:"PUBLISHER_CONSUMER_GROUP"`
	ConsumerName            string `json:"consumer_name" yaml:"consumer_name" env:"PUBLISHER_CONSUMER_NAME"`
	BusStreamKey            string `json:"bus_stream_key" yaml:"bus_stream_key" env:"PUBLISHER_BUS_STREAM_KEY"`
	PollIntervalMS          int    `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"PUBLISHER_POLL_INTERVAL_MS"`
	BatchSize               int64  `json:"batch_size" yaml:"batch_size" env:"PUBLISHER_BATCH_SIZE"`
	PendingMinIdleMS        int64  `json:"pending_min_idle_ms" yaml:"pending_min_idle_ms" env:"PUBLISHER_PENDING_MIN_IDLE_MS"`
	PendingClaimCount       int64  `json:"pending_claim_count" yaml:"pending_claim_count" env:"PUBLISHER_PENDING_CLAIM_COUNT"`
	PendingSummaryIntervalMS int   `json:"pending_summary_interval_ms" yaml:"pending_summary_interval_ms" env:"PUBLISHER_PENDING_SUMMARY_INTERVAL_MS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Evaluation EvaluationConfig `json:"evaluation" yaml:"evaluation"`
	Velocity   VelocityConfig   `json:"velocity" yaml:"velocity"`
	Outbox     OutboxConfig     `json:"outbox" yaml:"outbox"`
	Publisher  PublisherConfig  `json:"publisher" yaml:"publisher"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "ruleengine",
		},
		Evaluation: EvaluationConfig{
			DebugEnabled:            false,
			DebugSampleRate:         0.0,
			MaxConditionEvaluations: 500,
			IncludeFieldValues:      false,
		},
		Velocity: VelocityConfig{
			CommandTimeoutMS: 50,
		},
		Outbox: OutboxConfig{
			QueueCapacity:  4096,
			StreamKey:      "ruleengine:outbox",
			MaxStreamLen:   100000,
			RetryAttempts:  5,
			RetryInitialMS: 20,
			RetryMaxMS:     2000,
		},
		Publisher: PublisherConfig{
			ConsumerGroup:            "publisher",
			ConsumerName:             "publisher-1",
			BusStreamKey:             "fraud.card.decisions.v1",
			PollIntervalMS:           50,
			BatchSize:                100,
			PendingMinIdleMS:         60000,
			PendingClaimCount:        50,
			PendingSummaryIntervalMS: 30000,
		},
	}
}

// Load builds the configuration from defaults, then an optional YAML file,
// then environment variables, each overriding the one before. A local .env
// file, if present, is first loaded into the process environment (without
// replacing variables already set), so its values override the YAML file
// just as real environment variables do.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying the same defaults
// as Load.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}
