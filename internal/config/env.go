package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables read by ApplyEnv.
const (
	EnvLogLevel          = "SLAYER_LOG_LEVEL"
	EnvLogFormat         = "SLAYER_LOG_FORMAT"
	EnvProfile           = "SLAYER_PROFILE"
	EnvArtifactEndpoint  = "SLAYER_ARTIFACT_ENDPOINT"
	EnvArtifactBucket    = "SLAYER_ARTIFACT_BUCKET"
	EnvArtifactRegion    = "SLAYER_ARTIFACT_REGION"
	EnvArtifactAccessKey = "SLAYER_ARTIFACT_ACCESS_KEY"
	EnvArtifactSecretKey = "SLAYER_ARTIFACT_SECRET_KEY"
	EnvArtifactUseSSL    = "SLAYER_ARTIFACT_USE_SSL"
)

// LoadDotEnv loads the given .env files into the process environment,
// without overriding variables that are already set. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays values from the environment. A nil lookup uses
// os.LookupEnv.
func (s *Settings) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.LogLevel = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		s.LogFormat = v
	}
	if v, ok := lookup(EnvProfile); ok {
		s.ProfilePath = v
	}

	endpoint, _ := lookup(EnvArtifactEndpoint)
	if endpoint == "" {
		return nil
	}
	a := &Artifact{Endpoint: endpoint}
	a.Bucket, _ = lookup(EnvArtifactBucket)
	a.Region, _ = lookup(EnvArtifactRegion)
	a.AccessKey, _ = lookup(EnvArtifactAccessKey)
	a.SecretKey, _ = lookup(EnvArtifactSecretKey)
	if v, ok := lookup(EnvArtifactUseSSL); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvArtifactUseSSL, err)
		}
		a.UseSSL = b
	}
	s.Artifact = a
	return nil
}
