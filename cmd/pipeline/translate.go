package main

import (
	"time"

	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/domain/prioritizer"
	"github.com/nftwatch/eventpipeline/domain/router"
	"github.com/nftwatch/eventpipeline/infrastructure/config"
	"github.com/nftwatch/eventpipeline/services/capacity"
	"github.com/nftwatch/eventpipeline/services/monitor"
	"github.com/nftwatch/eventpipeline/services/queue"
)

// invertedMetrics names the monitor metrics that alert below their
// threshold rather than above it. The YAML surface has no per-metric
// inverted flag, so it is fixed here the way the monitor's own
// DefaultConfig fixes it.
var invertedMetrics = map[string]bool{
	"event_ingestion_rate": true,
	"queue_throughput":     true,
}

func toQueueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		MaxQueueSize:        c.MaxQueueSize,
		MaxRetryAttempts:    c.MaxRetryAttempts,
		RetryBaseDelay:      time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		EnableBatching:      c.EnableBatching,
		EnableDeduplication: c.EnableDeduplication,
		EnableConflation:    c.EnableConflation,
		MaxBatchSize:        c.MaxBatchSize,
		PartitionCount:      c.PartitionCount,
	}
}

func toRouterConfig(c config.RouterConfig, deterministic bool) router.Config {
	update := make(map[event.Kind]router.Thresholds, len(c.UpdateThresholds))
	for kind, v := range c.UpdateThresholds {
		t := update[event.Kind(kind)]
		t.Update = v
		update[event.Kind(kind)] = t
	}
	for kind, v := range c.NotificationThresholds {
		t := update[event.Kind(kind)]
		t.Notification = v
		update[event.Kind(kind)] = t
	}

	cooldowns := make(map[event.EntityType]time.Duration, len(c.CooldownPeriodsMs))
	for entityType, ms := range c.CooldownPeriodsMs {
		cooldowns[event.EntityType(entityType)] = time.Duration(ms) * time.Millisecond
	}

	cfg := router.DefaultConfig()
	if len(update) > 0 {
		cfg.UpdateThresholds = update
	}
	if len(cooldowns) > 0 {
		cfg.CooldownPeriods = cooldowns
	}
	cfg.EnableSmartRouting = c.EnableSmartRouting
	cfg.DeterministicMode = deterministic
	return cfg
}

func toPrioritizerConfig(c config.PrioritizerConfig) prioritizer.Config {
	cfg := prioritizer.DefaultConfig()
	if len(c.BasePriorities) > 0 {
		base := make(map[event.Kind]int, len(c.BasePriorities))
		for k, v := range c.BasePriorities {
			base[event.Kind(k)] = v
		}
		cfg.BasePriorities = base
	}
	if len(c.EntityTypeModifiers) > 0 {
		mods := make(map[event.EntityType]int, len(c.EntityTypeModifiers))
		for k, v := range c.EntityTypeModifiers {
			mods[event.EntityType(k)] = v
		}
		cfg.EntityTypeModifiers = mods
	}
	if len(c.SourceModifiers) > 0 {
		mods := make(map[event.Source]int, len(c.SourceModifiers))
		for k, v := range c.SourceModifiers {
			mods[event.Source(k)] = v
		}
		cfg.SourceModifiers = mods
	}
	cfg.EnableDynamicPriority = c.EnableDynamicPriority
	if c.SignificantPriceChangeThreshold > 0 {
		cfg.SignificantPriceChangeThreshold = c.SignificantPriceChangeThreshold
	}
	if c.SignificantFraudConfidenceThreshold > 0 {
		cfg.SignificantFraudConfidenceThreshold = c.SignificantFraudConfidenceThreshold
	}
	return cfg
}

func toMonitorConfig(c config.MonitorConfig) monitor.Config {
	cfg := monitor.DefaultConfig()
	if c.CollectionFrequencyMs > 0 {
		cfg.CollectionFrequency = time.Duration(c.CollectionFrequencyMs) * time.Millisecond
	}
	if c.RetentionPeriodMs > 0 {
		cfg.RetentionPeriod = time.Duration(c.RetentionPeriodMs) * time.Millisecond
	}
	if len(c.Thresholds) > 0 {
		thresholds := make(map[string]monitor.Threshold, len(c.Thresholds))
		for metric, pair := range c.Thresholds {
			thresholds[metric] = monitor.Threshold{
				Warning:  pair.Warning,
				Critical: pair.Critical,
				Inverted: invertedMetrics[metric],
			}
		}
		cfg.Thresholds = thresholds
	}
	return cfg
}

func toCapacityConfig(c config.CapacityConfig) capacity.Config {
	cfg := capacity.DefaultConfig()
	cfg.CheckInterval = time.Duration(c.CheckIntervalMs) * time.Millisecond
	cfg.InitialAllocation = capacity.Allocation{
		ProcessingUnits:  c.InitialAllocation.ProcessingUnits,
		MemoryMB:         c.InitialAllocation.MemoryMB,
		ConcurrencyLevel: c.InitialAllocation.ConcurrencyLevel,
	}
	cfg.LoadSheddingThreshold = c.LoadSheddingThreshold

	if len(c.ScalingRules) > 0 {
		rules := make([]capacity.ScalingRule, 0, len(c.ScalingRules))
		for _, r := range c.ScalingRules {
			rules = append(rules, capacity.ScalingRule{
				Name:        r.Metric,
				Metric:      r.Metric,
				ScaleUp:     r.ScaleUp,
				ScaleDown:   r.ScaleDown,
				Cooldown:    time.Duration(r.CooldownMs) * time.Millisecond,
				MinCapacity: r.MinCapacity,
				MaxCapacity: r.MaxCapacity,
				Increment:   r.Increment,
			})
		}
		cfg.ScalingRules = rules
	}
	return cfg
}
