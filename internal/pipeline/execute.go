package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
)

// Execute runs stages one after another against target. A failing stage is
// logged and does not stop the ones after it; all failures are returned
// joined.
func Execute(ctx context.Context, stages []Entry, target *loader.Loaded) error {
	var errs []error
	for _, e := range stages {
		stageCtx := ctxlog.With(ctx, "stage", e.Key)
		stageLogger := ctxlog.FromContext(stageCtx)
		stageLogger.Info("Running stage.", "description", e.Stage.Description())
		if err := e.Stage.Execute(stageCtx, target); err != nil {
			stageLogger.Error("Stage failed.", "error", err)
			errs = append(errs, fmt.Errorf("stage %s: %w", e.Key, err))
			continue
		}
		stageLogger.Debug("Stage finished.")
	}
	return errors.Join(errs...)
}
