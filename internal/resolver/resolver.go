// Package resolver builds the shared resolution context consulted while a
// module is parsed and again while it is written: assembly references are
// resolved to files next to the module or on configured search paths, and
// type references are resolved against the type index of those files.
//
// One Context exists per run. Lookups are cached, so the writer sees exactly
// the answers the loader saw.
package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 512

// TypeSource is an index of the types an assembly defines.
type TypeSource interface {
	HasType(namespace, name string) bool
}

// Opener loads the type index of the assembly stored at path.
type Opener func(path string) (TypeSource, error)

// Context is the resolution environment of one run.
type Context struct {
	Assemblies *AssemblyResolver
	Types      *TypeResolver

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a snapshot of the cache counters of a Context.
type Stats struct {
	Hits   int64
	Misses int64
}

// Option configures a Context.
type Option func(*options)

type options struct {
	searchPaths []string
	opener      Opener
	cacheSize   int
}

// WithSearchPaths adds directories probed after the module's own directory.
func WithSearchPaths(dirs ...string) Option {
	return func(o *options) { o.searchPaths = append(o.searchPaths, dirs...) }
}

// WithOpener sets how type indexes of resolved assemblies are loaded. Without
// an opener every type reference whose assembly resolves is accepted.
func WithOpener(fn Opener) Option {
	return func(o *options) { o.opener = fn }
}

// WithCacheSize bounds the number of cached lookups per cache.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// NewContext wires an assembly resolver and a type resolver around each other.
// It does not touch the file system.
func NewContext(opts ...Option) *Context {
	o := options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize <= 0 {
		o.cacheSize = defaultCacheSize
	}

	ctx := &Context{}
	ctx.Assemblies = newAssemblyResolver(ctx, o.searchPaths, o.cacheSize)
	ctx.Types = newTypeResolver(ctx, o.opener, o.cacheSize)
	return ctx
}

// Stats returns the combined cache counters of both resolvers.
func (c *Context) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Context) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// AssemblyResolver maps assembly simple names to files.
type AssemblyResolver struct {
	owner       *Context
	searchPaths []string
	cache       *lru.Cache[string, string]
}

func newAssemblyResolver(owner *Context, searchPaths []string, size int) *AssemblyResolver {
	cache, err := lru.New[string, string](size)
	if err != nil {
		panic(err)
	}
	return &AssemblyResolver{owner: owner, searchPaths: searchPaths, cache: cache}
}

// SearchPaths returns the configured extra directories.
func (r *AssemblyResolver) SearchPaths() []string {
	return append([]string(nil), r.searchPaths...)
}

// Resolve returns the path of the assembly called name, probing hintDir first.
// Negative answers are cached as well.
func (r *AssemblyResolver) Resolve(name, hintDir string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	key := strings.ToLower(hintDir + "|" + name)
	if path, ok := r.cache.Get(key); ok {
		r.owner.record(true)
		return path, path != ""
	}
	r.owner.record(false)

	path := r.probe(name, hintDir)
	r.cache.Add(key, path)
	return path, path != ""
}

func (r *AssemblyResolver) probe(name, hintDir string) string {
	dirs := make([]string, 0, len(r.searchPaths)+1)
	if hintDir != "" {
		dirs = append(dirs, hintDir)
	}
	dirs = append(dirs, r.searchPaths...)
	for _, dir := range dirs {
		for _, ext := range []string{".dll", ".exe"} {
			candidate := filepath.Join(dir, name+ext)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}
	}
	return ""
}

// TypeResolver answers whether a type exists in a referenced assembly.
type TypeResolver struct {
	owner  *Context
	opener Opener
	cache  *lru.Cache[string, TypeSource]
}

func newTypeResolver(owner *Context, opener Opener, size int) *TypeResolver {
	cache, err := lru.New[string, TypeSource](size)
	if err != nil {
		panic(err)
	}
	return &TypeResolver{owner: owner, opener: opener, cache: cache}
}

// Resolve reports whether namespace.name is defined by the assembly called
// assembly, as found from hintDir.
func (r *TypeResolver) Resolve(assembly, namespace, name, hintDir string) bool {
	path, ok := r.owner.Assemblies.Resolve(assembly, hintDir)
	if !ok {
		return false
	}
	if r.opener == nil {
		return true
	}

	src, ok := r.cache.Get(path)
	if ok {
		r.owner.record(true)
	} else {
		r.owner.record(false)
		opened, err := r.opener(path)
		if err != nil {
			opened = emptySource{}
		}
		src = opened
		r.cache.Add(path, src)
	}
	return src.HasType(namespace, name)
}

type emptySource struct{}

func (emptySource) HasType(string, string) bool { return false }
