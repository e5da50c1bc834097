// Package config loads and validates coordinator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/harrison/relearn/internal/models"
)

// TriggerPolicy decides when a task-completion event should open a new
// learning session.
type TriggerPolicy struct {
	// MinErrorCount is how many consecutive errored outcomes for a
	// task-agent pair trigger a session
	MinErrorCount int `yaml:"min_error_count" validate:"gte=1"`

	// QualityFloor triggers a session when an outcome's quality score
	// falls below it
	QualityFloor float64 `yaml:"quality_floor" validate:"gte=0,lte=1"`
}

// PatternAging controls frequency decay and eviction in the shared error
// pattern library.
type PatternAging struct {
	// DecayFactor multiplies every pattern's frequency on each decay pass
	DecayFactor float64 `yaml:"decay_factor" validate:"gt=0,lte=1"`

	// DecayInterval is how often the decay pass runs
	DecayInterval time.Duration `yaml:"decay_interval"`

	// EvictBelow removes patterns whose decayed frequency drops under this
	// value and that have not been seen within IdleTTL
	EvictBelow float64 `yaml:"evict_below" validate:"gte=0"`

	// IdleTTL is the minimum quiet period before an aged pattern may be
	// evicted
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Config holds coordinator-wide settings.
type Config struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// DBPath is the SQLite database location, or :memory:
	DBPath string `yaml:"db_path" validate:"required"`

	// EventBuffer is the outbound event channel capacity
	EventBuffer int `yaml:"event_buffer" validate:"gte=1"`

	// SimilarityFloor is the minimum Jaccard similarity for matching an
	// error against an existing pattern
	SimilarityFloor float64 `yaml:"similarity_floor" validate:"gte=0,lte=1"`

	// Trigger controls session creation from orchestrator outcomes
	Trigger TriggerPolicy `yaml:"trigger"`

	// Aging controls pattern library decay and eviction
	Aging PatternAging `yaml:"aging"`

	// Session holds default per-session limits, overridable per call
	Session models.SessionConfig `yaml:"session"`
}

// DefaultConfig returns a Config with documented default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		DBPath:          ".relearn/learning.db",
		EventBuffer:     256,
		SimilarityFloor: 0.6,
		Trigger: TriggerPolicy{
			MinErrorCount: 2,
			QualityFloor:  0.5,
		},
		Aging: PatternAging{
			DecayFactor:   0.95,
			DecayInterval: time.Hour,
			EvictBelow:    0.5,
			IdleTTL:       30 * 24 * time.Hour,
		},
		Session: models.DefaultSessionConfig(),
	}
}

// Load reads configuration from path. A missing file yields defaults
// without error; a malformed or invalid file returns an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks field bounds using struct validation tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Session.Timeout < 0 {
		return fmt.Errorf("session timeout must not be negative")
	}
	return nil
}
