package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/peimage"
	"github.com/specialistvlad/slayer/internal/pipeline"
	"github.com/specialistvlad/slayer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles ---

type recordingStage struct {
	key string
	ran *[]string
	err error
}

func (s recordingStage) Description() string { return "records " + s.key }

func (s recordingStage) Execute(context.Context, *loader.Loaded) error {
	*s.ran = append(*s.ran, s.key)
	return s.err
}

type recordingModule struct {
	keys []string
	ran  *[]string
	fail string
}

func (m *recordingModule) Register(r *pipeline.Registry) {
	for _, k := range m.keys {
		var err error
		if k == m.fail {
			err = errors.New("stage exploded")
		}
		r.Register(k, recordingStage{key: k, ran: m.ran, err: err})
	}
}

type recordingScheduler struct{ paths []string }

func (s *recordingScheduler) Schedule(_ context.Context, path string) error {
	s.paths = append(s.paths, path)
	return nil
}

type memStore struct{ keys []string }

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	m.keys = append(m.keys, key)
	return nil
}

type staticProfile struct {
	profile *config.Profile
	err     error
	paths   []string
}

func (p *staticProfile) Load(_ context.Context, path string) (*config.Profile, error) {
	p.paths = append(p.paths, path)
	return p.profile, p.err
}

func emptyEnv(string) (string, bool) { return "", false }

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func noPause() Toggle { return Toggle{Name: config.SwitchNoPause, Value: true} }

func openOutput(t *testing.T, path string) *clr.Module {
	t.Helper()
	img, err := peimage.Open(path)
	require.NoError(t, err)
	m, err := clr.Load(img, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// --- tests ---

func TestRun_DirectPath(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{
		StrongNamed:  true,
		ExtraStreams: []testutil.Stream{{Name: "#Junk", Data: []byte{1, 2, 3, 4}}},
	}))
	sched := &recordingScheduler{}
	a, logs := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{noPause()}}, WithScheduler(sched))

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	out := filepath.Join(filepath.Dir(in), "Sample_Slayed.exe")
	m := openOutput(t, out)
	assert.Zero(t, m.Header.Flags&clr.FlagStrongNameSigned)
	assert.Nil(t, m.Metadata.Stream("#Junk"))
	assert.Empty(t, sched.paths)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(in), loader.TempFileName))
	assert.Contains(t, logs.String(), "stage=rem-sn")
	assert.Contains(t, logs.String(), "native_wrapped=false")
	assert.True(t, a.Registry().Frozen())
}

func TestRun_FallbackPathNamesOutputAfterInput(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	in := writeInput(t, "Packed.exe", testutil.BuildNativeWrapper(testutil.NativeWrapper{
		Payload: testutil.BuildManagedPE(testutil.ManagedPE{AssemblyName: "Hidden"}),
		XorKey:  0x5A,
	}))
	sched := &recordingScheduler{}
	a, logs := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{noPause()}}, WithScheduler(sched))

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	dir := filepath.Dir(in)
	assert.Equal(t, "Hidden", openOutput(t, filepath.Join(dir, "Packed_Slayed.exe")).Assembly.Name)
	assert.NoFileExists(t, filepath.Join(dir, "PEImage_Slayed.tmp"))
	assert.FileExists(t, filepath.Join(dir, loader.TempFileName))
	assert.Equal(t, []string{filepath.Join(dir, loader.TempFileName)}, sched.paths)
	assert.Contains(t, logs.String(), "native_wrapped=true")
}

func TestRun_LoadFailureSkipsStages(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	in := writeInput(t, "Broken.exe", []byte("not a module"))
	var ran []string
	a, logs := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{noPause()}},
		WithModules(&recordingModule{keys: []string{"a"}, ran: &ran}),
		WithScheduler(&recordingScheduler{}),
	)

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	var lerr *loader.LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, loader.KindUnparseableAndUnpackable, lerr.Kind)
	assert.Empty(t, ran)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(in), "Broken_Slayed.exe"))
	assert.Contains(t, logs.String(), "Failed to load module.")
}

func TestRun_InvalidInput(t *testing.T) {
	t.Parallel()
	a, _ := SetupAppTest(t, &Config{InputPath: filepath.Join(t.TempDir(), "missing.exe")})
	err := a.Run(context.Background())
	assert.True(t, errors.Is(err, config.ErrInvalidInput))
}

func TestRun_StageFailureDoesNotStopTheRun(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{}))
	var ran []string
	a, logs := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{noPause()}},
		WithModules(&recordingModule{keys: []string{"a", "b", "c"}, ran: &ran, fail: "b"}),
	)

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, ran)
	assert.FileExists(t, filepath.Join(filepath.Dir(in), "Sample_Slayed.exe"))
	assert.Contains(t, logs.String(), "stage exploded")
}

func TestNewApp_Toggles(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{}))
	var ran []string
	mod := &recordingModule{keys: []string{"a", "b", "c"}, ran: &ran}

	baseline, _ := SetupAppTest(t, &Config{InputPath: in}, WithModules(mod))
	a, _ := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{
		{Name: "frobnicate", Value: true},
		{Name: "c", Value: false},
		{Name: config.SwitchKeepStack, Value: true},
		{Name: config.SwitchPreserveAll, Value: true},
		{Name: "a", Value: false},
		{Name: "a", Value: true},
	}}, WithModules(mod))

	assert.Len(t, baseline.Registry().Enabled(), 3)
	var enabled []string
	for _, e := range a.Registry().Enabled() {
		enabled = append(enabled, e.Key)
	}
	assert.Equal(t, []string{"a", "b"}, enabled)
	assert.True(t, a.Settings().KeepOldMaxStack)
	assert.True(t, a.Settings().PreserveAll)
	assert.False(t, a.Settings().NoPause)
}

func TestNewApp_UnknownToggleChangesNothing(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{}))
	var ran []string
	mod := &recordingModule{keys: []string{"a", "b"}, ran: &ran}

	baseline, _ := SetupAppTest(t, &Config{InputPath: in}, WithModules(mod))
	a, _ := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{{Name: "frobnicate", Value: true}}}, WithModules(mod))

	assert.Equal(t, baseline.Settings(), a.Settings())
	assert.Equal(t, len(baseline.Registry().Enabled()), len(a.Registry().Enabled()))
}

func TestNewApp_ProfilePrecedence(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{}))
	var ran []string
	keep := true
	level := "warn"
	profile := &staticProfile{profile: &config.Profile{
		LogLevel:  &level,
		KeepStack: &keep,
		Stages:    map[string]bool{"a": false, "b": false, "zzz": true},
	}}
	env := func(k string) (string, bool) {
		if k == config.EnvProfile {
			return "/etc/slayer.hcl", true
		}
		return "", false
	}

	a, err := NewApp(io.Discard, &Config{
		InputPath: in,
		LogLevel:  "error",
		Toggles:   []Toggle{{Name: "b", Value: true}},
	}, profile, WithEnv(env), WithModules(&recordingModule{keys: []string{"a", "b"}, ran: &ran}))
	require.NoError(t, err)

	assert.Equal(t, []string{"/etc/slayer.hcl"}, profile.paths)
	assert.Equal(t, "error", a.Settings().LogLevel, "command line beats profile")
	assert.True(t, a.Settings().KeepOldMaxStack)
	enabled := a.Registry().Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "b", enabled[0].Key)
}

func TestNewApp_ProfileErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{InputPath: "x", ProfilePath: "/p.hcl"}

	_, err := NewApp(io.Discard, cfg, &staticProfile{err: errors.New("bad syntax")}, WithEnv(emptyEnv))
	assert.ErrorContains(t, err, "failed to load profile: bad syntax")

	_, err = NewApp(io.Discard, cfg, nil, WithEnv(emptyEnv))
	assert.ErrorContains(t, err, "no profile loader")
}

func TestNewApp_ArtifactSettingsBuildStore(t *testing.T) {
	t.Parallel()
	env := func(k string) (string, bool) {
		v, ok := map[string]string{config.EnvArtifactEndpoint: "localhost:9000"}[k]
		return v, ok
	}
	_, err := NewApp(io.Discard, &Config{InputPath: "x"}, nil, WithEnv(env))
	assert.ErrorContains(t, err, "access key")
}

func TestRun_KeepStackAndPublish(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{
		Methods: []testutil.Method{{Name: "Sum", Code: []byte{0x02, 0x03, 0x58, 0x2A}, Params: 2, ReturnsValue: true, Fat: true, MaxStack: 42}},
	}))
	store := &memStore{}
	a, _ := SetupAppTest(t, &Config{InputPath: in, Toggles: []Toggle{noPause(), {Name: config.SwitchKeepStack, Value: true}}}, WithStore(store))

	require.NoError(t, a.Run(context.Background()))

	out := filepath.Join(filepath.Dir(in), "Sample_Slayed.exe")
	assert.Equal(t, uint16(42), openOutput(t, out).Methods[0].Body.MaxStack)
	require.Len(t, store.keys, 1)
	assert.True(t, strings.HasSuffix(store.keys[0], "/Sample_Slayed.exe"))
}

func TestRun_PausesUnlessDisabled(t *testing.T) {
	t.Parallel()
	in := writeInput(t, "Sample.exe", testutil.BuildManagedPE(testutil.ManagedPE{}))
	var out SafeBuffer
	a, err := NewApp(&out, &Config{InputPath: in}, nil, WithEnv(emptyEnv), WithStdin(strings.NewReader("\n")))
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
	assert.Contains(t, out.String(), "Press Enter to exit...")
}

func TestAvailableStages(t *testing.T) {
	t.Parallel()
	var keys []string
	for _, e := range AvailableStages() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"rem-sn", "rem-streams", "rem-nops"}, keys)
}

func TestNewConfig(t *testing.T) {
	t.Parallel()
	_, err := NewConfig(Config{})
	assert.True(t, errors.Is(err, config.ErrInvalidInput))

	cfg, err := NewConfig(Config{InputPath: "a.exe"})
	require.NoError(t, err)
	assert.Equal(t, "a.exe", cfg.InputPath)
}
