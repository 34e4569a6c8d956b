package app

import (
	"bufio"
	"context"
	"fmt"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/pipeline"
	"github.com/specialistvlad/slayer/internal/resolver"
)

// Run performs one conversion. A load or save failure is returned; stage
// and publish failures are logged only.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	run, err := config.NewRun(a.config.InputPath)
	if err != nil {
		a.logger.Error("Invalid input.", "path", a.config.InputPath, "error", err)
		return err
	}
	run = run.WithSettings(a.settings)
	defer a.pause(run)

	rc := resolver.NewContext(
		resolver.WithSearchPaths(a.settings.SearchPaths...),
		resolver.WithOpener(clr.OpenTypeIndex),
	)

	loaded, err := a.loader.Load(ctx, run.SourcePath, rc)
	if err != nil {
		a.logger.Error("Failed to load module.", "path", run.SourcePath, "error", err)
		return err
	}
	a.logger.Info("Module loaded.",
		"module", loaded.Module.Name,
		"native_wrapped", loaded.NativeWrapped,
		"il_only", loaded.Module.IsILOnly(),
		"methods", len(loaded.Module.Methods),
	)
	if h := loaded.Handle; h != nil {
		a.logger.Debug("Module inspected.", "runtime", h.RuntimeVersion, "assembly", h.Assembly, "relaxed", h.Relaxed)
	}

	stages := a.registry.Freeze()
	a.logger.Info("Starting stages.", "count", len(stages))
	if err := pipeline.Execute(ctx, stages, loaded); err != nil {
		a.logger.Warn("Some stages failed.", "error", err)
	}

	if err := a.writer.Save(ctx, loaded.Module, loaded.Image, run); err != nil {
		a.logger.Error("Failed to save module.", "error", err)
		return err
	}

	if a.publisher != nil {
		if key, err := a.publisher.Publish(ctx, run.DestPath); err != nil {
			a.logger.Warn("Failed to publish artifact.", "error", err)
		} else {
			a.logger.Info("Artifact published.", "key", key)
		}
	}

	stats := rc.Stats()
	a.logger.Info("Finished.", "dest", run.DestPath, "resolver_hits", stats.Hits, "resolver_misses", stats.Misses)
	return nil
}

func (a *App) pause(run config.Run) {
	if run.NoPause {
		return
	}
	fmt.Fprint(a.outW, "Press Enter to exit...")
	_, _ = bufio.NewReader(a.in).ReadString('\n')
	fmt.Fprintln(a.outW)
}
