// Package writer saves a processed module next to its input and releases
// everything the load acquired.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/ctxlog"
)

// Module is the part of *clr.Module the writer needs.
type Module interface {
	IsILOnly() bool
	Write(path string, opts *clr.WriterOptions) error
	NativeWrite(path string, opts *clr.NativeWriterOptions) error
	Close() error
}

var _ Module = (*clr.Module)(nil)

// SaveError reports a failed write. Dest may hold a partially written file.
type SaveError struct {
	Dest string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save %s: %v", e.Dest, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// MetadataFlags turns the run switches into writer metadata flags. Each
// switch only ever adds its bits.
func MetadataFlags(run config.Run) clr.MetadataFlags {
	var flags clr.MetadataFlags
	if run.PreserveAll {
		flags |= clr.PreserveAll
	}
	if run.KeepOldMaxStack {
		flags |= clr.KeepOldMaxStack
	}
	return flags
}

// Writer picks the write strategy for a module.
type Writer struct{}

// New returns a Writer.
func New() *Writer { return &Writer{} }

// Save writes m to run.DestPath, then closes m and image whatever the outcome.
// Release failures are logged and never replace the save result.
func (w *Writer) Save(ctx context.Context, m Module, image io.Closer, run config.Run) error {
	logger := ctxlog.FromContext(ctx)
	defer release(logger, m, image)

	flags := MetadataFlags(run)
	writerLog := clr.NoThrowLogger(logger)

	var err error
	if m.IsILOnly() {
		opts := clr.NewWriterOptions()
		opts.MetadataOptions.Flags |= flags
		opts.Logger = writerLog
		logger.Debug("Writing IL-only module.", "dest", run.DestPath, "flags", fmt.Sprintf("%#x", uint32(opts.MetadataOptions.Flags)))
		err = m.Write(run.DestPath, opts)
	} else {
		opts := clr.NewNativeWriterOptions()
		opts.MetadataOptions.Flags |= flags
		opts.Logger = writerLog
		logger.Debug("Writing mixed-mode module.", "dest", run.DestPath, "flags", fmt.Sprintf("%#x", uint32(opts.MetadataOptions.Flags)))
		err = m.NativeWrite(run.DestPath, opts)
	}
	if err != nil {
		return &SaveError{Dest: run.DestPath, Err: err}
	}
	logger.Info("Module saved.", "dest", run.DestPath)
	return nil
}

// release closes every resource, each independently of the others.
func release(logger *slog.Logger, closers ...io.Closer) {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := safeClose(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Failed to release resources.", "error", err)
	}
}

func safeClose(c io.Closer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while closing: %v", r)
		}
	}()
	return c.Close()
}
