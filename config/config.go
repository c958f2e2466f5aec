// Package config loads the pipeline's operational tuning parameters:
// pool sizes, tail length, per-attempt timeouts, and the generation
// deadline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PhasePool bounds the fan-out concurrency for one parallelizable phase.
type PhasePool struct {
	// MaxWorkers bounds the number of concurrent units in flight.
	// Zero means "min(numUnits, 8)".
	MaxWorkers int `yaml:"maxWorkers"`
}

// AgentTuning carries retry/timeout values for one agent. The agent
// runtime does not read them: each agent's own MaxAttempts, BaseBackoff
// and PerAttemptTimeout are what apply.
type AgentTuning struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseBackoff       time.Duration `yaml:"baseBackoff"`
	PerAttemptTimeout time.Duration `yaml:"perAttemptTimeout"`
}

// PipelineConfig is the top-level operational configuration for one
// deployment of the pipeline.
type PipelineConfig struct {
	// TailLength is K, the number of past events retained per itinerary
	// for reconnect recovery.
	TailLength int `yaml:"tailLength"`
	// SubscriberSendBuffer bounds each subscriber's per-connection
	// channel depth.
	SubscriberSendBuffer int `yaml:"subscriberSendBuffer"`
	// SubscriberSendTimeout bounds how long a broadcast waits on a slow
	// subscriber before dropping it.
	SubscriberSendTimeout time.Duration `yaml:"subscriberSendTimeout"`
	// GenerationDeadline is one generation's overall wall-clock budget;
	// zero means no deadline. The orchestrator does not read it: the
	// deadline in effect is the one passed to execctx.New.
	GenerationDeadline time.Duration `yaml:"generationDeadline"`

	// Pools maps a phase name (dayplan, activities, meals, transport,
	// enrichment) to its fan-out bound.
	Pools map[string]PhasePool `yaml:"pools"`
	// Agents maps an agent name to its retry/timeout defaults.
	Agents map[string]AgentTuning `yaml:"agents"`

	// EnrichmentBatchNodes batches enrichment persistence every N nodes.
	EnrichmentBatchNodes int `yaml:"enrichmentBatchNodes"`
	// EnrichmentBatchInterval batches enrichment persistence at least
	// every T duration, whichever triggers first.
	EnrichmentBatchInterval time.Duration `yaml:"enrichmentBatchInterval"`
}

// Default returns the built-in tuning used when no config file is
// supplied, matching the defaults suggested throughout the design notes.
func Default() PipelineConfig {
	return PipelineConfig{
		TailLength:              10,
		SubscriberSendBuffer:    16,
		SubscriberSendTimeout:   200 * time.Millisecond,
		GenerationDeadline:      20 * time.Minute,
		EnrichmentBatchNodes:    5,
		EnrichmentBatchInterval: 2 * time.Second,
		Pools: map[string]PhasePool{
			"dayplan":    {MaxWorkers: 8},
			"activities": {MaxWorkers: 8},
			"meals":      {MaxWorkers: 8},
			"transport":  {MaxWorkers: 8},
			"enrichment": {MaxWorkers: 8},
		},
		Agents: map[string]AgentTuning{},
	}
}

// Load reads a PipelineConfig from a YAML file at path, filling any
// unset field from Default().
func Load(path string) (PipelineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// PoolSize returns the configured worker bound for phase, falling back to
// min(numUnits, 8) when unconfigured.
func (c PipelineConfig) PoolSize(phase string, numUnits int) int {
	if pool, ok := c.Pools[phase]; ok && pool.MaxWorkers > 0 {
		if pool.MaxWorkers < numUnits {
			return pool.MaxWorkers
		}
		return numUnits
	}
	if numUnits < 8 {
		return numUnits
	}
	return 8
}
