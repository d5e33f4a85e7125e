// Package config loads the pipeline's configuration surface from a YAML
// file (optionally preceded by a .env file via github.com/joho/godotenv),
// with a handful of operationally common fields overridable by an
// environment variable via github.com/joeshaw/envdecode's `env:"..."`
// struct tags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// QueueConfig is the queue manager's tunable surface.
type QueueConfig struct {
	MaxQueueSize        int  `yaml:"maxQueueSize" env:"QUEUE_MAX_SIZE"`
	MaxRetryAttempts    int  `yaml:"maxRetryAttempts" env:"QUEUE_MAX_RETRY_ATTEMPTS"`
	RetryBaseDelayMs    int  `yaml:"retryBaseDelayMs"`
	EnableBatching      bool `yaml:"enableBatching"`
	EnableDeduplication bool `yaml:"enableDeduplication"`
	EnableConflation    bool `yaml:"enableConflation"`
	MaxBatchSize        int  `yaml:"maxBatchSize"`
	PartitionCount      int  `yaml:"partitionCount" env:"QUEUE_PARTITION_COUNT"`
}

// RouterConfig is the router's tunable surface (reshaped slightly from the
// domain/router.Config at load time since YAML keys are plain strings).
type RouterConfig struct {
	UpdateThresholds       map[string]float64 `yaml:"updateThresholds"`
	NotificationThresholds map[string]float64 `yaml:"notificationThresholds"`
	EnableSmartRouting     bool               `yaml:"enableSmartRouting"`
	CooldownPeriodsMs      map[string]int     `yaml:"cooldownPeriods"`
}

// PrioritizerConfig is the prioritizer's tunable surface.
type PrioritizerConfig struct {
	BasePriorities                      map[string]int `yaml:"basePriorities"`
	EntityTypeModifiers                 map[string]int `yaml:"entityTypeModifiers"`
	SourceModifiers                     map[string]int `yaml:"sourceModifiers"`
	EnableDynamicPriority               bool           `yaml:"enableDynamicPriority"`
	SignificantPriceChangeThreshold     float64        `yaml:"significantPriceChangeThreshold"`
	SignificantFraudConfidenceThreshold float64        `yaml:"significantFraudConfidenceThreshold"`
}

// MonitorConfig is the performance monitor's tunable surface.
type MonitorConfig struct {
	CollectionFrequencyMs int                      `yaml:"collectionFrequencyMs" env:"MONITOR_COLLECTION_FREQUENCY_MS"`
	RetentionPeriodMs     int                      `yaml:"retentionPeriodMs"`
	Thresholds            map[string]ThresholdPair `yaml:"thresholds"`
}

// ThresholdPair is a two-level (warning, critical) threshold for one metric.
type ThresholdPair struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// CapacityConfig is the capacity manager's tunable surface.
type CapacityConfig struct {
	CheckIntervalMs       int              `yaml:"checkIntervalMs" env:"CAPACITY_CHECK_INTERVAL_MS"`
	InitialAllocation     Allocation       `yaml:"initialAllocation"`
	LoadSheddingThreshold float64          `yaml:"loadSheddingThreshold"`
	ScalingRules          []ScalingRuleCfg `yaml:"scalingRules"`
}

// Allocation mirrors the capacity manager's ResourceAllocation.
type Allocation struct {
	ProcessingUnits  int `yaml:"processingUnits"`
	MemoryMB         int `yaml:"memoryMB"`
	ConcurrencyLevel int `yaml:"concurrencyLevel"`
}

// ScalingRuleCfg is one auto-scaling rule as loaded from YAML.
type ScalingRuleCfg struct {
	Metric      string  `yaml:"metric"`
	ScaleUp     float64 `yaml:"scaleUp"`
	ScaleDown   float64 `yaml:"scaleDown"`
	CooldownMs  int     `yaml:"cooldownMs"`
	MinCapacity int     `yaml:"minCapacity"`
	MaxCapacity int     `yaml:"maxCapacity"`
	Increment   int     `yaml:"increment"`
}

// Config is the complete configuration surface.
type Config struct {
	ServiceName string `yaml:"serviceName" env:"PIPELINE_SERVICE_NAME"`
	LogLevel    string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"LOG_FORMAT"`

	Queue       QueueConfig       `yaml:"queue"`
	Router      RouterConfig      `yaml:"router"`
	Prioritizer PrioritizerConfig `yaml:"prioritizer"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Capacity    CapacityConfig    `yaml:"capacity"`
}

// Default returns a complete configuration with production defaults for
// every component.
func Default() Config {
	return Config{
		ServiceName: "eventpipeline",
		LogLevel:    "info",
		LogFormat:   "json",
		Queue: QueueConfig{
			MaxQueueSize:        10000,
			MaxRetryAttempts:    3,
			RetryBaseDelayMs:    1000,
			EnableBatching:      true,
			EnableDeduplication: true,
			EnableConflation:    true,
			MaxBatchSize:        50,
			PartitionCount:      4,
		},
		Router: RouterConfig{
			EnableSmartRouting: true,
			CooldownPeriodsMs: map[string]int{
				"nft":        60000,
				"collection": 300000,
				"creator":    600000,
				"market":     900000,
			},
		},
		Prioritizer: PrioritizerConfig{
			EnableDynamicPriority:               true,
			SignificantPriceChangeThreshold:     10,
			SignificantFraudConfidenceThreshold: 0.8,
		},
		Monitor: MonitorConfig{
			CollectionFrequencyMs: 5000,
			RetentionPeriodMs:     int(24 * time.Hour / time.Millisecond),
		},
		Capacity: CapacityConfig{
			CheckIntervalMs: 10000,
			InitialAllocation: Allocation{
				ProcessingUnits:  4,
				MemoryMB:         1024,
				ConcurrencyLevel: 4,
			},
			LoadSheddingThreshold: 90,
		},
	}
}

// Load reads a YAML configuration file at path, merging it over Default(),
// then applies environment-variable overrides (optionally loaded from a
// .env file first) for the handful of fields an operator commonly needs to
// tweak without editing the file.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides decodes every `env:"..."`-tagged field in cfg from the
// environment via envdecode, overriding whatever Default()/the YAML file
// set. envdecode only ever touches tagged fields and leaves an unset env
// var's target field untouched, so this is safe to call unconditionally.
func applyEnvOverrides(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when none of the tagged fields have a
		// corresponding environment variable set; that's the common case
		// for a local run with no overrides exported, not a failure.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return fmt.Errorf("decode env overrides: %w", err)
		}
	}
	return nil
}
