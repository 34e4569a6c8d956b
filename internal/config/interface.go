package config

import "context"

// ProfileLoader reads a profile file into the format-agnostic model.
type ProfileLoader interface {
	Load(ctx context.Context, path string) (*Profile, error)
}
