package hcl

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/ctxlog"
)

// Loader is the HCL implementation of config.ProfileLoader.
type Loader struct{}

var _ config.ProfileLoader = (*Loader)(nil)

// NewLoader creates a new HCL profile loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses the profile at path.
func (l *Loader) Load(ctx context.Context, path string) (*config.Profile, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading profile.", "path", path)

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return l.Parse(src, path)
}

// Parse decodes profile source held in memory. filename is only used in
// diagnostics.
func (l *Loader) Parse(src []byte, filename string) (*config.Profile, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse profile %s: %w", filename, diags)
	}
	return decode(file)
}

func decode(file *hcl.File) (*config.Profile, error) {
	var pf profileFile
	if diags := gohcl.DecodeBody(file.Body, nil, &pf); diags.HasErrors() {
		return nil, fmt.Errorf("invalid profile: %w", diags)
	}

	stages, err := decodeStages(pf.Stages)
	if err != nil {
		return nil, err
	}

	p := &config.Profile{
		LogLevel:    pf.LogLevel,
		LogFormat:   pf.LogFormat,
		KeepStack:   pf.KeepStack,
		PreserveAll: pf.PreserveAll,
		NoPause:     pf.NoPause,
		SearchPaths: pf.SearchPaths,
		Stages:      stages,
	}
	if a := pf.Artifact; a != nil {
		p.Artifact = &config.Artifact{
			Endpoint:  a.Endpoint,
			Bucket:    a.Bucket,
			Region:    a.Region,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL != nil && *a.UseSSL,
		}
	}
	return p, nil
}
