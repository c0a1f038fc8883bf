package orchestrator

import (
	"errors"
	"time"
)

// Config holds the pipeline tunables. It can be swapped at runtime; a
// running session picks up the new values at its next step.
type Config struct {
	// SourcesPerSection is how many sources are collected per attempt.
	SourcesPerSection int `mapstructure:"sources_per_section"`
	// MaxRevisions bounds redrafts of one section. 0 accepts the first draft.
	MaxRevisions int `mapstructure:"max_revisions"`
	// ApprovalTimeout bounds the wait for a plan decision.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	// ApprovalPollInterval is the fallback re-read interval while waiting.
	ApprovalPollInterval time.Duration `mapstructure:"approval_poll_interval"`
	// ReplanOnReject re-runs planning with the reviewer's note instead of
	// failing the session.
	ReplanOnReject bool `mapstructure:"replan_on_reject"`
	MaxReplans     int  `mapstructure:"max_replans"`
	// SectionDelay pauses between sections.
	SectionDelay time.Duration `mapstructure:"section_delay"`
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		SourcesPerSection:    3,
		MaxRevisions:         1,
		ApprovalTimeout:      time.Hour,
		ApprovalPollInterval: 5 * time.Second,
		MaxReplans:           1,
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SourcesPerSection < 1 {
		errs = append(errs, errors.New("sources_per_section must be at least 1"))
	}
	if c.MaxRevisions < 0 {
		errs = append(errs, errors.New("max_revisions must not be negative"))
	}
	if c.ApprovalTimeout <= 0 {
		errs = append(errs, errors.New("approval_timeout must be positive"))
	}
	if c.ApprovalPollInterval <= 0 {
		errs = append(errs, errors.New("approval_poll_interval must be positive"))
	}
	if c.MaxReplans < 0 {
		errs = append(errs, errors.New("max_replans must not be negative"))
	}
	if c.SectionDelay < 0 {
		errs = append(errs, errors.New("section_delay must not be negative"))
	}
	return errors.Join(errs...)
}
