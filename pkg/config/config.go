// Package config holds tinyexp defaults and loads the process configuration
// from an optional YAML file plus TINYEXP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/tinyexp"
	DefaultMaxMemoryMB = 48
	DefaultMaxDiskMB   = 1024
	DefaultStorage     = "badger"
	DefaultLogLevel    = "info"
)

// Job cadences
const (
	DailyRollupInterval           = 24 * time.Hour
	ReanalysisInterval            = 1 * time.Hour
	ModelRetrainInterval          = 7 * 24 * time.Hour
	RecommendationRefreshInterval = 6 * time.Hour
	BadgerGCInterval              = 10 * time.Minute
)

// Batch processing
const (
	DefaultItemTimeout = 30 * time.Second
	DefaultRunTimeout  = 30 * time.Minute
	DefaultConcurrency = 4
)

// Optimization defaults
const (
	TrainingWindow     = 90 * 24 * time.Hour
	CampaignLookback   = 30 * 24 * time.Hour
	MinTrainingRows    = 10
	DefaultRidgeLambda = 1.0
)

// DefaultCandidateOffers is the offer grid evaluated by the recommender.
var DefaultCandidateOffers = []float64{5, 10, 15, 20, 25}

// HTTP request handling
const (
	RequestTimeout      = 10 * time.Second
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
	MaxExportResults    = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the process configuration.
type Config struct {
	Port        string `yaml:"port" validate:"required,numeric"`
	DataDir     string `yaml:"data_dir" validate:"required_if=Storage badger"`
	Storage     string `yaml:"storage" validate:"oneof=memory badger postgres"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Storage postgres"`
	MaxMemoryMB int64  `yaml:"max_memory_mb" validate:"gte=16"`

	// MaxDiskMB is the data directory size above which health reports
	// degraded. Zero disables the check.
	MaxDiskMB int64 `yaml:"max_disk_mb" validate:"gte=0"`

	// SourceDSN points at the database holding campaigns and events. Empty
	// uses PostgresDSN; with the memory backend an empty source is seeded
	// in-process.
	SourceDSN string `yaml:"source_dsn"`

	// RedisAddr enables the assignment cache when set.
	RedisAddr     string        `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string        `yaml:"redis_password"`
	RedisTTL      time.Duration `yaml:"redis_ttl" validate:"gte=0"`

	LogLevel       string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDevelopment bool   `yaml:"log_development"`

	Jobs     JobsConfig     `yaml:"jobs"`
	Optimize OptimizeConfig `yaml:"optimize"`
}

// JobsConfig tunes the scheduler.
type JobsConfig struct {
	DailyRollup           time.Duration `yaml:"daily_rollup" validate:"gt=0"`
	Reanalysis            time.Duration `yaml:"reanalysis" validate:"gt=0"`
	ModelRetrain          time.Duration `yaml:"model_retrain" validate:"gt=0"`
	RecommendationRefresh time.Duration `yaml:"recommendation_refresh" validate:"gt=0"`
	BadgerGC              time.Duration `yaml:"badger_gc" validate:"gt=0"`
	ItemTimeout           time.Duration `yaml:"item_timeout" validate:"gt=0"`
	RunTimeout            time.Duration `yaml:"run_timeout" validate:"gte=0"`
	Concurrency           int           `yaml:"concurrency" validate:"gte=1,lte=64"`
}

// OptimizeConfig tunes the recommendation engine.
type OptimizeConfig struct {
	CandidateOffers  []float64     `yaml:"candidate_offers" validate:"min=1,dive,gt=0"`
	TrainingWindow   time.Duration `yaml:"training_window" validate:"gt=0"`
	CampaignLookback time.Duration `yaml:"campaign_lookback" validate:"gt=0"`
	MinTrainingRows  int           `yaml:"min_training_rows" validate:"gte=2"`
	RidgeLambda      float64       `yaml:"ridge_lambda" validate:"gte=0"`
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:        DefaultPort,
		DataDir:     DefaultDataDir,
		Storage:     DefaultStorage,
		MaxMemoryMB: DefaultMaxMemoryMB,
		MaxDiskMB:   DefaultMaxDiskMB,
		LogLevel:    DefaultLogLevel,
		Jobs: JobsConfig{
			DailyRollup:           DailyRollupInterval,
			Reanalysis:            ReanalysisInterval,
			ModelRetrain:          ModelRetrainInterval,
			RecommendationRefresh: RecommendationRefreshInterval,
			BadgerGC:              BadgerGCInterval,
			ItemTimeout:           DefaultItemTimeout,
			RunTimeout:            DefaultRunTimeout,
			Concurrency:           DefaultConcurrency,
		},
		Optimize: OptimizeConfig{
			CandidateOffers:  append([]float64(nil), DefaultCandidateOffers...),
			TrainingWindow:   TrainingWindow,
			CampaignLookback: CampaignLookback,
			MinTrainingRows:  MinTrainingRows,
			RidgeLambda:      DefaultRidgeLambda,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

func applyEnv(cfg *Config) error {
	// PORT is honoured for platforms that inject it.
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Port = getEnv("TINYEXP_PORT", cfg.Port)
	cfg.DataDir = getEnv("TINYEXP_DATA_DIR", cfg.DataDir)
	cfg.Storage = getEnv("TINYEXP_STORAGE", cfg.Storage)
	cfg.PostgresDSN = getEnv("TINYEXP_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.SourceDSN = getEnv("TINYEXP_SOURCE_DSN", cfg.SourceDSN)
	cfg.RedisAddr = getEnv("TINYEXP_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("TINYEXP_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.LogLevel = getEnv("TINYEXP_LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.MaxMemoryMB, err = getEnvInt64("TINYEXP_MAX_MEMORY_MB", cfg.MaxMemoryMB); err != nil {
		return err
	}
	if cfg.MaxDiskMB, err = getEnvInt64("TINYEXP_MAX_DISK_MB", cfg.MaxDiskMB); err != nil {
		return err
	}
	if cfg.Jobs.Concurrency, err = getEnvInt("TINYEXP_JOB_CONCURRENCY", cfg.Jobs.Concurrency); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, val)
	}
	return parsed, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v, err := getEnvInt64(key, int64(fallback))
	return int(v), err
}
