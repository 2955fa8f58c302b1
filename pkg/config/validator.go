package config

import (
	"fmt"
)

// Validator validates configuration with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast, first error wins).
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateTokens(); err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}
	if err := v.validateUsers(); err != nil {
		return fmt.Errorf("user validation failed: %w", err)
	}
	if err := v.validateModels(); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}
	if err := v.validateLimits(); err != nil {
		return fmt.Errorf("limits validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "", "listen_addr", fmt.Errorf("must not be empty"))
	}
	if v.cfg.Paths.DataDir == "" {
		return NewValidationError("paths", "", "data_dir", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateTokens() error {
	seen := make(map[string]string, len(v.cfg.Tokens))
	for name, t := range v.cfg.Tokens {
		if t.Token == "" {
			return NewValidationError("token", name, "token", fmt.Errorf("must not be empty"))
		}
		if len(t.Token) < 16 {
			return NewValidationError("token", name, "token", fmt.Errorf("must be at least 16 characters"))
		}
		if prev, dup := seen[t.Token]; dup {
			return NewValidationError("token", name, "token", fmt.Errorf("duplicate of token %q", prev))
		}
		seen[t.Token] = name
	}
	return nil
}

func (v *Validator) validateUsers() error {
	for name, u := range v.cfg.Users {
		if u.Role != "admin" && u.Role != "user" {
			return NewValidationError("user", name, "role", fmt.Errorf("must be \"admin\" or \"user\", got %q", u.Role))
		}
	}
	return nil
}

func (v *Validator) validateModels() error {
	// Planner, reviewer, and curator require provider structured output;
	// they must always be configured. The rest fall back to messenger.
	m := v.cfg.LLM.Models
	required := map[string]string{
		"planner":   m.Planner,
		"reviewer":  m.Reviewer,
		"curator":   m.Curator,
		"messenger": m.Messenger,
	}
	for role, model := range required {
		if model == "" {
			return NewValidationError("llm.models", role, "model", fmt.Errorf("must not be empty"))
		}
	}
	if v.cfg.LLM.BaseURL == "" {
		return NewValidationError("llm", "", "base_url", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateLimits() error {
	l := v.cfg.Limits
	if l.MaxReplanDepth < 1 {
		return NewValidationError("limits", "", "max_replan_depth", fmt.Errorf("must be >= 1"))
	}
	if l.MaxValidationRetries < 1 {
		return NewValidationError("limits", "", "max_validation_retries", fmt.Errorf("must be >= 1"))
	}
	if l.MaxLLMCallsPerMessage < 1 {
		return NewValidationError("limits", "", "max_llm_calls_per_message", fmt.Errorf("must be >= 1"))
	}
	if l.QueueSize < 1 {
		return NewValidationError("limits", "", "queue_size", fmt.Errorf("must be >= 1"))
	}
	if l.FactDecayRate < 0 || l.FactDecayRate > 1 {
		return NewValidationError("limits", "", "fact_decay_rate", fmt.Errorf("must be in [0, 1]"))
	}
	if l.FactArchiveThreshold < 0 || l.FactArchiveThreshold > 1 {
		return NewValidationError("limits", "", "fact_archive_threshold", fmt.Errorf("must be in [0, 1]"))
	}
	return nil
}
