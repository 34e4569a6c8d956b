// Package streams removes metadata streams the runtime never reads: streams
// with unknown names and later copies of a stream name. Protectors add them
// to confuse decompilers that read the last copy instead of the first.
package streams

import (
	"context"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/pipeline"
)

// Key is the stage key.
const Key = "rem-streams"

// Module implements the pipeline.Module interface for this package.
type Module struct{}

// Stage marks junk streams as removed. Removed streams are dropped even when
// the run preserves metadata.
type Stage struct{}

// Description implements pipeline.Stage.
func (Stage) Description() string { return "Remove duplicate and unknown metadata streams" }

// Execute implements pipeline.Stage.
func (Stage) Execute(ctx context.Context, target *loader.Loaded) error {
	logger := ctxlog.FromContext(ctx)
	root := target.Module.Metadata

	var removed []string
	for _, s := range root.Duplicates() {
		root.Remove(s)
		removed = append(removed, s.Name)
	}
	for _, s := range root.Streams {
		if !s.Removed() && !clr.IsKnownStream(s.Name) {
			root.Remove(s)
			removed = append(removed, s.Name)
		}
	}

	if len(removed) == 0 {
		logger.Info("No junk metadata streams found.")
		return nil
	}
	logger.Info("Metadata streams removed.", "count", len(removed), "streams", removed)
	return nil
}

// Register registers the stage with the pipeline.
func (m *Module) Register(r *pipeline.Registry) {
	r.Register(Key, Stage{})
}
