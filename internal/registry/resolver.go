package registry

import (
	"strings"
	"time"

	"github.com/normanking/edubuddy/pkg/types"
)

// BaseConfig is the static generation configuration of one specialist.
type BaseConfig struct {
	// LogicalModel names the registry model whose active version, if any,
	// replaces Model.
	LogicalModel string        `mapstructure:"logical_model" yaml:"logical_model"`
	Provider     string        `mapstructure:"provider" yaml:"provider,omitempty"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Temperature  float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AgentConfig is the resolved, read-only configuration for one request.
type AgentConfig struct {
	Specialist  types.Specialist
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// Provenance
	LogicalModel string
	Version      string
	Experiment   string
	Variant      string
}

// DefaultGenerationTimeout bounds a generation call when a base config does
// not set one.
const DefaultGenerationTimeout = 20 * time.Second

// DefaultBaseConfigs returns the built-in base configuration per specialist.
func DefaultBaseConfigs() map[types.Specialist]BaseConfig {
	return map[types.Specialist]BaseConfig{
		types.SpecialistEducation: {
			LogicalModel: "edu-model",
			Model:        "qwen:0.5b",
			Temperature:  0.7,
			MaxTokens:    512,
			Timeout:      DefaultGenerationTimeout,
		},
		types.SpecialistEmotion: {
			LogicalModel: "emotion-model",
			Model:        "qwen:0.5b",
			Temperature:  0.8,
			MaxTokens:    512,
			Timeout:      DefaultGenerationTimeout,
		},
	}
}

// SetBaseConfigs replaces the static configuration. Used on config reload.
func (r *Registry) SetBaseConfigs(base map[types.Specialist]BaseConfig) {
	next := copyBase(base)

	r.mu.Lock()
	r.base = next
	r.mu.Unlock()

	r.log.Info().Int("specialists", len(next)).Msg("base configs updated")
}

// BaseConfigs returns a copy of the static configuration.
func (r *Registry) BaseConfigs() map[types.Specialist]BaseConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyBase(r.base)
}

// ResolveAgentConfig derives the configuration specialist should use for
// userID. It starts from the base config, swaps in the artifact of the
// logical model's active version, and finally applies the variant selected
// by the earliest-started active experiment whose name contains the
// specialist name. An empty userID skips experiments.
func (r *Registry) ResolveAgentConfig(specialist types.Specialist, userID string) AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base := r.base[specialist]
	cfg := AgentConfig{
		Specialist:   specialist,
		Provider:     base.Provider,
		Model:        base.Model,
		Temperature:  base.Temperature,
		MaxTokens:    base.MaxTokens,
		Timeout:      base.Timeout,
		LogicalModel: base.LogicalModel,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerationTimeout
	}

	if base.LogicalModel != "" {
		if v, ok := r.activeLocked(base.LogicalModel); ok {
			cfg.Version = v.ID
			if v.Artifact != "" {
				cfg.Model = v.Artifact
			}
		}
	}

	if userID == "" {
		return cfg
	}

	needle := strings.ToLower(specialist.String())
	for _, exp := range r.sortedLocked() {
		if !exp.Active || !strings.Contains(strings.ToLower(exp.Name), needle) {
			continue
		}
		v, ok := selectVariant(exp, userID)
		if !ok {
			continue
		}
		cfg.Experiment = exp.Name
		cfg.Variant = v.Name
		cfg.Model = v.Model
		if v.Temperature != nil {
			cfg.Temperature = *v.Temperature
		}
		if v.MaxTokens > 0 {
			cfg.MaxTokens = v.MaxTokens
		}
		break
	}
	return cfg
}

func copyBase(base map[types.Specialist]BaseConfig) map[types.Specialist]BaseConfig {
	out := make(map[types.Specialist]BaseConfig, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}
