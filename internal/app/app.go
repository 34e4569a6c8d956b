package app

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/slayer/internal/cleanup"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/pipeline"
	"github.com/specialistvlad/slayer/internal/publish"
	"github.com/specialistvlad/slayer/internal/unpack"
	"github.com/specialistvlad/slayer/internal/writer"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW      io.Writer
	in        io.Reader
	logger    *slog.Logger
	config    *Config
	settings  config.Settings
	registry  *pipeline.Registry
	loader    *loader.Loader
	writer    *writer.Writer
	publisher *publish.Publisher
}

type options struct {
	modules   []pipeline.Module
	unpacker  unpack.Unpacker
	scheduler cleanup.Scheduler
	store     publish.Store
	env       config.LookupFunc
	in        io.Reader
}

// Option customizes NewApp.
type Option func(*options)

// WithModules replaces the built-in stage modules.
func WithModules(modules ...pipeline.Module) Option {
	return func(o *options) { o.modules = modules }
}

// WithUnpacker replaces the default unpacking chain.
func WithUnpacker(u unpack.Unpacker) Option {
	return func(o *options) { o.unpacker = u }
}

// WithScheduler replaces the cleanup companion process.
func WithScheduler(s cleanup.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithStore sets the artifact store instead of building one from settings.
func WithStore(s publish.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEnv replaces os.LookupEnv.
func WithEnv(env config.LookupFunc) Option {
	return func(o *options) { o.env = env }
}

// WithStdin sets where the exit pause reads from.
func WithStdin(r io.Reader) Option {
	return func(o *options) { o.in = r }
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
func NewApp(outW io.Writer, appConfig *Config, profiles config.ProfileLoader, opts ...Option) (*App, error) {
	o := options{in: os.Stdin}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = cleanup.NewProcessScheduler()
	}

	settings, err := loadSettings(context.Background(), appConfig, profiles, o.env)
	if err != nil {
		return nil, err
	}

	logger := newLogger(settings.LogLevel, settings.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.", "level", settings.LogLevel, "format", settings.LogFormat)

	reg := newRegistry(o.modules)
	logger.Debug("All stage modules registered.", "count", len(reg.Entries()))
	applyToggles(ctx, &settings, reg, appConfig.Toggles)

	var publisher *publish.Publisher
	store := o.store
	if store == nil && settings.Artifact != nil {
		ms, err := publish.NewMinioStore(*settings.Artifact)
		if err != nil {
			return nil, err
		}
		store = ms
	}
	if store != nil {
		publisher = publish.New(store)
	}

	return &App{
		outW:      outW,
		in:        o.in,
		logger:    logger,
		config:    appConfig,
		settings:  settings,
		registry:  reg,
		loader:    loader.New(o.unpacker, o.scheduler),
		writer:    writer.New(),
		publisher: publisher,
	}, nil
}

// applyToggles applies profile stage toggles, then command line toggles in
// order. A command line name is a fixed switch, a stage key, or ignored.
func applyToggles(ctx context.Context, settings *config.Settings, reg *pipeline.Registry, toggles []Toggle) {
	logger := ctxlog.FromContext(ctx)
	for key, enabled := range settings.Stages {
		if !reg.Has(key) {
			logger.Debug("Ignoring unknown stage in profile.", "key", key)
			continue
		}
		_ = reg.SetEnabled(key, enabled)
	}
	for _, t := range toggles {
		switch {
		case settings.SetSwitch(t.Name, t.Value):
			logger.Debug("Switch set.", "name", t.Name, "value", t.Value)
		case reg.Has(t.Name):
			_ = reg.SetEnabled(t.Name, t.Value)
			logger.Debug("Stage toggled.", "key", t.Name, "enabled", t.Value)
		default:
			logger.Debug("Ignoring unknown switch.", "name", t.Name)
		}
	}
}

// Registry returns the application's stage registry. This is primarily for
// testing.
func (a *App) Registry() *pipeline.Registry {
	return a.registry
}

// Settings returns the merged settings.
func (a *App) Settings() config.Settings {
	return a.settings
}
