package domain

import (
	"fmt"
	"slices"
	"time"
)

// UnknownPriorityRank is the rank given to labels missing from PriorityOrder.
const UnknownPriorityRank = 999

// ExecConfig is the hot-reloaded execution configuration.
type ExecConfig struct {
	Enabled       bool     `json:"enabled"`
	Interval      int      `json:"interval"`       // seconds between scheduler ticks
	MaxConcurrent int      `json:"max_concurrent"` // worker count and admission ceiling
	PriorityOrder []string `json:"priority_order"` // highest first
}

// DefaultExecConfig is used when no config file exists.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Enabled:       false,
		Interval:      60,
		MaxConcurrent: 1,
		PriorityOrder: []string{"high", "normal", "low"},
	}
}

// Normalize replaces out-of-range values with defaults.
func (c ExecConfig) Normalize() ExecConfig {
	def := DefaultExecConfig()
	if c.Interval < 1 {
		c.Interval = def.Interval
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if len(c.PriorityOrder) == 0 {
		c.PriorityOrder = def.PriorityOrder
	}
	return c
}

// Validate rejects values a caller explicitly asked for but cannot be honored.
func (c ExecConfig) Validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidConfig, c.Interval)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max_concurrent must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	return nil
}

// IntervalDuration returns Interval as a time.Duration.
func (c ExecConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// PriorityRank returns the position of label in PriorityOrder, or
// UnknownPriorityRank when it is not listed.
func (c ExecConfig) PriorityRank(label string) int {
	if i := slices.Index(c.PriorityOrder, label); i >= 0 {
		return i
	}
	return UnknownPriorityRank
}
