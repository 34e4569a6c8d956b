package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/specialistvlad/slayer/internal/loader"
)

// ErrFrozen is returned by SetEnabled once the registry has been frozen.
var ErrFrozen = errors.New("stage registry is frozen")

// Stage removes one kind of protection artifact from a loaded module.
type Stage interface {
	Description() string
	Execute(ctx context.Context, target *loader.Loaded) error
}

// Module is implemented by packages that contribute stages.
type Module interface {
	Register(r *Registry)
}

// Entry is a registered stage.
type Entry struct {
	Key     string
	Stage   Stage
	Enabled bool
}

// Registry maps stage keys to stages, in registration order.
type Registry struct {
	entries []*Entry
	index   map[string]*Entry
	frozen  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{index: make(map[string]*Entry)}
}

// Register adds stage under key, enabled. Registering a key twice or
// registering after Freeze is a programming error and panics.
func (r *Registry) Register(key string, stage Stage) {
	if r.frozen {
		panic(fmt.Sprintf("stage '%s' registered after the registry was frozen", key))
	}
	if _, exists := r.index[key]; exists {
		panic(fmt.Sprintf("stage with key '%s' already registered", key))
	}
	slog.Debug("Registering stage.", "key", key)
	e := &Entry{Key: key, Stage: stage, Enabled: true}
	r.entries = append(r.entries, e)
	r.index[key] = e
}

// Has reports whether key names a registered stage.
func (r *Registry) Has(key string) bool {
	_, ok := r.index[key]
	return ok
}

// SetEnabled toggles the stage registered under key. Unknown keys are
// ignored.
func (r *Registry) SetEnabled(key string, enabled bool) error {
	if r.frozen {
		return ErrFrozen
	}
	if e, ok := r.index[key]; ok {
		e.Enabled = enabled
	}
	return nil
}

// Entries returns a copy of every registered stage, enabled or not.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Enabled returns the enabled stages in registration order.
func (r *Registry) Enabled() []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Enabled {
			out = append(out, *e)
		}
	}
	return out
}

// Freeze stops further toggling and returns the enabled stages. Calling it
// again returns the same selection.
func (r *Registry) Freeze() []Entry {
	r.frozen = true
	return r.Enabled()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen }
