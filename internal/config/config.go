// Package config decodes and validates the engine's read-only configuration:
// a struct of nested sub-configs, a Default() constructor, a SetDefaults()
// that registers those defaults with viper, and a Validate() that collects
// every violation instead of failing on the first one.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReasoningLevel is a closed enumeration of agent reasoning effort levels.
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
	ReasoningXHigh  ReasoningLevel = "xhigh"
	ReasoningMax    ReasoningLevel = "max"
)

func validReasoningLevels() []string {
	return []string{string(ReasoningLow), string(ReasoningMedium), string(ReasoningHigh), string(ReasoningXHigh), string(ReasoningMax)}
}

// RoleBinding binds one of the cycle's roles (reviewer, fixer, simplifier)
// to a concrete agent identity.
type RoleBinding struct {
	AgentID        string `mapstructure:"agent_id"`
	ModelID        string `mapstructure:"model_id"`
	ProviderID     string `mapstructure:"provider_id"`
	ReasoningLevel string `mapstructure:"reasoning_level"`
}

func (b RoleBinding) validate(field string, multiProvider func(agentID string) bool) error {
	var errs []string
	if strings.TrimSpace(b.AgentID) == "" {
		errs = append(errs, fmt.Sprintf("%s.agent_id is required", field))
	}
	if multiProvider != nil && multiProvider(b.AgentID) && strings.TrimSpace(b.ProviderID) == "" {
		errs = append(errs, fmt.Sprintf("%s.provider_id is required for agent %q", field, b.AgentID))
	}
	if b.ReasoningLevel != "" && !slices.Contains(validReasoningLevels(), b.ReasoningLevel) {
		errs = append(errs, fmt.Sprintf("%s.reasoning_level %q invalid: valid values are %v", field, b.ReasoningLevel, validReasoningLevels()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RetryConfig controls the Agent Invoker's transport-level retry policy.
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMs) * time.Millisecond }

// DefaultReviewConfig is the default change-set mode used when a run's
// ReviewOptions specify none of baseBranch/commitSha/customInstructions.
type DefaultReviewConfig struct {
	Type   string `mapstructure:"type"` // "uncommitted" or "base"
	Branch string `mapstructure:"branch"`
}

// Config is the complete, read-only configuration the engine consumes.
type Config struct {
	Reviewer         RoleBinding          `mapstructure:"reviewer"`
	Fixer            RoleBinding          `mapstructure:"fixer"`
	Simplifier       RoleBinding         `mapstructure:"simplifier"`
	MaxIterations    int                 `mapstructure:"max_iterations"`
	IterationTimeout int                 `mapstructure:"iteration_timeout_ms"`
	Retry            RetryConfig         `mapstructure:"retry"`
	DefaultReview    DefaultReviewConfig `mapstructure:"default_review"`
	LogsRoot         string              `mapstructure:"logs_root"`
	StateRoot        string              `mapstructure:"state_root"`
	LogLevel         string              `mapstructure:"log_level"`
}

// IterationTimeoutDuration returns Config.IterationTimeout as a time.Duration.
func (c *Config) IterationTimeoutDuration() time.Duration {
	return time.Duration(c.IterationTimeout) * time.Millisecond
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Reviewer:         RoleBinding{AgentID: "claude", ReasoningLevel: string(ReasoningMedium)},
		Fixer:            RoleBinding{AgentID: "claude", ReasoningLevel: string(ReasoningMedium)},
		MaxIterations:    5,
		IterationTimeout: 10 * 60 * 1000,
		Retry: RetryConfig{
			MaxRetries:  2,
			BaseDelayMs: 500,
			MaxDelayMs:  10_000,
		},
		DefaultReview: DefaultReviewConfig{Type: "uncommitted"},
		LogsRoot:      "",
		StateRoot:     "",
		LogLevel:      "INFO",
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	d := Default()

	viper.SetDefault("reviewer.agent_id", d.Reviewer.AgentID)
	viper.SetDefault("reviewer.reasoning_level", d.Reviewer.ReasoningLevel)
	viper.SetDefault("fixer.agent_id", d.Fixer.AgentID)
	viper.SetDefault("fixer.reasoning_level", d.Fixer.ReasoningLevel)

	viper.SetDefault("max_iterations", d.MaxIterations)
	viper.SetDefault("iteration_timeout_ms", d.IterationTimeout)

	viper.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	viper.SetDefault("retry.base_delay_ms", d.Retry.BaseDelayMs)
	viper.SetDefault("retry.max_delay_ms", d.Retry.MaxDelayMs)

	viper.SetDefault("default_review.type", d.DefaultReview.Type)
	viper.SetDefault("default_review.branch", d.DefaultReview.Branch)

	viper.SetDefault("logs_root", d.LogsRoot)
	viper.SetDefault("state_root", d.StateRoot)
	viper.SetDefault("log_level", d.LogLevel)
}

// Load reads the configuration from viper into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// multiProviderAgents is the closed set of agent identities whose backend
// speaks to more than one model provider and therefore requires ProviderID.
var multiProviderAgents = map[string]bool{
	"opencode": true,
}

func isMultiProviderAgent(agentID string) bool {
	return multiProviderAgents[strings.ToLower(agentID)]
}

// Validate collects every configuration violation and returns them joined,
// rather than failing on the first one found.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Reviewer.validate("reviewer", isMultiProviderAgent); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Fixer.validate("fixer", isMultiProviderAgent); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Simplifier.AgentID != "" {
		if err := c.Simplifier.validate("simplifier", isMultiProviderAgent); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Sprintf("max_iterations must be positive, got %d", c.MaxIterations))
	}
	if c.IterationTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("iteration_timeout_ms must be positive, got %d", c.IterationTimeout))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.MaxRetries > 0 {
		if c.Retry.BaseDelayMs <= 0 {
			errs = append(errs, fmt.Sprintf("retry.base_delay_ms must be positive, got %d", c.Retry.BaseDelayMs))
		}
		if c.Retry.MaxDelayMs <= 0 {
			errs = append(errs, fmt.Sprintf("retry.max_delay_ms must be positive, got %d", c.Retry.MaxDelayMs))
		}
	}

	switch c.DefaultReview.Type {
	case "uncommitted":
	case "base":
		if strings.TrimSpace(c.DefaultReview.Branch) == "" {
			errs = append(errs, "default_review.branch is required when default_review.type is \"base\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("default_review.type %q invalid: valid values are \"uncommitted\", \"base\"", c.DefaultReview.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
