// Package loader turns an input path into a parsed managed module.
//
// Loading is a two step pipeline. parseDirect treats the file as a managed
// image. Only when that fails does parseViaUnpack treat it as a native
// wrapper, recover the embedded image through an unpack.Unpacker, persist it
// next to the input as PEImage.tmp and parse that instead. There is no third
// attempt.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/specialistvlad/slayer/internal/cleanup"
	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/inspect"
	"github.com/specialistvlad/slayer/internal/peimage"
	"github.com/specialistvlad/slayer/internal/resolver"
	"github.com/specialistvlad/slayer/internal/unpack"
)

// TempFileName is the name of the recovered payload written next to the input.
const TempFileName = "PEImage.tmp"

// Kind classifies load failures.
type Kind int

const (
	// KindUnparseableAndUnpackable: the input is not a managed image and no
	// embedded managed image could be recovered from it.
	KindUnparseableAndUnpackable Kind = iota + 1
	// KindUnpackedButUnparseable: a payload was recovered but does not parse.
	KindUnpackedButUnparseable
)

func (k Kind) String() string {
	switch k {
	case KindUnparseableAndUnpackable:
		return "unparseable and unpackable"
	case KindUnpackedButUnparseable:
		return "unpacked but unparseable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LoadError is returned by Load. Err is the error of the step that failed;
// for KindUnparseableAndUnpackable it is the original direct parse error.
type LoadError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loaded is the result of a successful load.
type Loaded struct {
	Module *clr.Module
	// Handle is diagnostic only and may be nil.
	Handle *inspect.Handle
	// Image is the raw view used for byte-level inspection.
	Image *peimage.Image
	// SourcePath is the file the module was parsed from: the input, or the
	// temporary payload when NativeWrapped is set.
	SourcePath    string
	NativeWrapped bool
	TempPath      string
}

// Close releases the module and the image view. Both are always attempted.
func (l *Loaded) Close() error {
	return errors.Join(l.Module.Close(), l.Image.Close())
}

// Loader loads managed modules, unpacking native wrappers when needed.
type Loader struct {
	unpacker  unpack.Unpacker
	scheduler cleanup.Scheduler
}

// New returns a Loader. A nil unpacker selects unpack.Default(). A nil
// scheduler leaves the temporary payload on disk.
func New(unpacker unpack.Unpacker, scheduler cleanup.Scheduler) *Loader {
	if unpacker == nil {
		unpacker = unpack.Default()
	}
	return &Loader{unpacker: unpacker, scheduler: scheduler}
}

// Load parses path using rc for reference resolution. On failure no module
// is returned and every resource opened along the way is released.
func (l *Loader) Load(ctx context.Context, path string, rc *resolver.Context) (*Loaded, error) {
	logger := ctxlog.FromContext(ctx)
	loaded, directErr := l.parseDirect(ctx, path, rc)
	if directErr == nil {
		logger.Debug("Module parsed directly.", "path", path, "module", loaded.Module.Name)
		return loaded, nil
	}
	logger.Info("Direct parse failed, trying native unpack.", "path", path, "error", directErr)
	return l.parseViaUnpack(ctx, path, rc, directErr)
}

func (l *Loader) parseDirect(ctx context.Context, path string, rc *resolver.Context) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := parseModule(data, path, rc)
	if err != nil {
		return nil, err
	}
	view, err := peimage.New(data)
	if err != nil {
		m.Close()
		return nil, err
	}
	return &Loaded{
		Module:     m,
		Handle:     openHandle(ctx, path),
		Image:      view,
		SourcePath: path,
	}, nil
}

func (l *Loader) parseViaUnpack(ctx context.Context, path string, rc *resolver.Context, directErr error) (*Loaded, error) {
	logger := ctxlog.FromContext(ctx)
	fail := func(kind Kind, err error) (*Loaded, error) {
		return nil, &LoadError{Kind: kind, Path: path, Err: err}
	}

	raw, err := peimage.Open(path)
	if err != nil {
		logger.Debug("No raw image view for unpacking.", "error", err)
		return fail(KindUnparseableAndUnpackable, directErr)
	}
	payload, err := l.unpacker.Unpack(ctx, raw)
	raw.Close()
	if err != nil {
		logger.Warn("Native unpack failed.", "unpacker", l.unpacker.Name(), "error", err)
		return fail(KindUnparseableAndUnpackable, directErr)
	}
	if payload == nil {
		return fail(KindUnparseableAndUnpackable, directErr)
	}

	tmp := filepath.Join(filepath.Dir(path), TempFileName)
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fail(KindUnpackedButUnparseable, fmt.Errorf("failed to persist unpacked image: %w", err))
	}
	m, err := parseModule(payload, tmp, rc)
	if err != nil {
		removeTemp(ctx, tmp)
		return fail(KindUnpackedButUnparseable, err)
	}
	view, err := peimage.Open(tmp)
	if err != nil {
		m.Close()
		removeTemp(ctx, tmp)
		return fail(KindUnpackedButUnparseable, err)
	}

	loaded := &Loaded{
		Module:        m,
		Handle:        openHandle(ctx, tmp),
		Image:         view,
		SourcePath:    tmp,
		NativeWrapped: true,
		TempPath:      tmp,
	}
	logger.Info("Module recovered from native wrapper.", "path", path, "payload", tmp, "size", len(payload))

	if l.scheduler != nil {
		if err := l.scheduler.Schedule(ctx, tmp); err != nil {
			logger.Warn("Could not schedule removal of unpacked image.", "path", tmp, "error", err)
		}
	}
	return loaded, nil
}

// removeTemp deletes a payload that did not parse. Nothing holds it open yet,
// so no companion process is needed.
func removeTemp(ctx context.Context, tmp string) {
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		ctxlog.FromContext(ctx).Warn("Could not remove unpacked image.", "path", tmp, "error", err)
	}
}

// parseModule parses data as a managed module known by path.
func parseModule(data []byte, path string, rc *resolver.Context) (*clr.Module, error) {
	img, err := peimage.New(data)
	if err != nil {
		return nil, err
	}
	m, err := clr.Load(img, rc, clr.WithLocation(path))
	if err != nil {
		img.Close()
		return nil, err
	}
	return m, nil
}

// openHandle tries a strict load, then a relaxed one. The handle never
// decides whether loading succeeds.
func openHandle(ctx context.Context, path string) *inspect.Handle {
	logger := ctxlog.FromContext(ctx)
	h, err := inspect.Load(path)
	if err == nil {
		return h
	}
	logger.Debug("Strict inspection failed, retrying relaxed.", "path", path, "error", err)
	h, err = inspect.LoadRelaxed(path)
	if err != nil {
		logger.Debug("Relaxed inspection failed.", "path", path, "error", err)
		return nil
	}
	return h
}
