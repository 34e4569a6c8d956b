package app

import (
	"fmt"

	"github.com/specialistvlad/slayer/internal/config"
)

// Toggle is one "--name <bool>" pair from the command line.
type Toggle struct {
	Name  string
	Value bool
}

// Config holds what the command line supplied. Empty strings mean "not
// given" so lower-precedence sources apply.
type Config struct {
	InputPath   string
	LogLevel    string
	LogFormat   string
	ProfilePath string
	// Toggles are applied in order after the profile.
	Toggles []Toggle
}

// NewConfig validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.InputPath == "" {
		return nil, fmt.Errorf("%w: no input files specified", config.ErrInvalidInput)
	}
	return &cfg, nil
}
