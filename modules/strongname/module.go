// Package strongname removes the strong-name signature from an assembly so
// that patched output still loads.
package strongname

import (
	"context"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/pipeline"
)

// Key is the stage key.
const Key = "rem-sn"

// Module implements the pipeline.Module interface for this package.
type Module struct{}

// Stage clears the signed flag and the signature directory of the CLI
// header. The writer zeroes the old signature bytes.
type Stage struct{}

// Description implements pipeline.Stage.
func (Stage) Description() string { return "Remove strong name signature" }

// Execute implements pipeline.Stage.
func (Stage) Execute(ctx context.Context, target *loader.Loaded) error {
	logger := ctxlog.FromContext(ctx)
	m := target.Module
	sig := m.Header.StrongNameSignature
	if m.Header.Flags&clr.FlagStrongNameSigned == 0 && sig.Size == 0 {
		logger.Info("Module is not strong name signed.")
		return nil
	}
	m.Header.Flags &^= clr.FlagStrongNameSigned
	m.Header.StrongNameSignature = clr.DataDirectory{}
	logger.Info("Strong name signature removed.", "size", sig.Size)
	return nil
}

// Register registers the stage with the pipeline.
func (m *Module) Register(r *pipeline.Registry) {
	r.Register(Key, Stage{})
}
