package app

import (
	"context"
	"fmt"

	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/ctxlog"
)

// loadSettings merges defaults, environment and profile, then the command
// line values of cfg. Toggles are not applied here because stage toggles
// need the registry.
func loadSettings(ctx context.Context, cfg *Config, profiles config.ProfileLoader, env config.LookupFunc) (config.Settings, error) {
	logger := ctxlog.FromContext(ctx)
	settings := config.Defaults()
	if err := settings.ApplyEnv(env); err != nil {
		return settings, fmt.Errorf("invalid environment: %w", err)
	}

	profilePath := settings.ProfilePath
	if cfg.ProfilePath != "" {
		profilePath = cfg.ProfilePath
	}
	if profilePath != "" {
		if profiles == nil {
			return settings, fmt.Errorf("profile %s given but no profile loader configured", profilePath)
		}
		p, err := profiles.Load(ctx, profilePath)
		if err != nil {
			return settings, fmt.Errorf("failed to load profile: %w", err)
		}
		settings.ApplyProfile(p)
		settings.ProfilePath = profilePath
		logger.Debug("Profile applied.", "path", profilePath)
	}

	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" {
		settings.LogFormat = cfg.LogFormat
	}
	return settings, nil
}
