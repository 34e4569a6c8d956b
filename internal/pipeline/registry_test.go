package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name string
	err  error
	log  *[]string
}

func (f fakeStage) Description() string { return "fake " + f.name }

func (f fakeStage) Execute(context.Context, *loader.Loaded) error {
	*f.log = append(*f.log, f.name)
	return f.err
}

func keys(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func newRegistry(log *[]string, names ...string) *Registry {
	r := New()
	for _, n := range names {
		r.Register(n, fakeStage{name: n, log: log})
	}
	return r
}

func TestRegistry_OrderIsRegistrationOrder(t *testing.T) {
	t.Parallel()
	var log []string
	r := newRegistry(&log, "a", "b", "c")

	require.NoError(t, r.SetEnabled("c", false))
	require.NoError(t, r.SetEnabled("a", false))
	require.NoError(t, r.SetEnabled("c", true))

	assert.Equal(t, []string{"b", "c"}, keys(r.Enabled()))
	assert.Equal(t, []string{"a", "b", "c"}, keys(r.Entries()))
}

func TestRegistry_UnknownKeyIsIgnored(t *testing.T) {
	t.Parallel()
	var log []string
	r := newRegistry(&log, "a", "b")
	r.SetEnabled("b", false)
	before := r.Entries()

	require.NoError(t, r.SetEnabled("frobnicate", true))
	require.NoError(t, r.SetEnabled("frobnicate", false))

	assert.Equal(t, keys(before), keys(r.Entries()))
	assert.Equal(t, []string{"a"}, keys(r.Enabled()))
	assert.False(t, r.Has("frobnicate"))
	assert.True(t, r.Has("a"))
}

func TestRegistry_Freeze(t *testing.T) {
	t.Parallel()
	var log []string
	r := newRegistry(&log, "a", "b")

	snapshot := r.Freeze()
	assert.True(t, r.Frozen())
	assert.True(t, errors.Is(r.SetEnabled("a", false), ErrFrozen))
	assert.Equal(t, []string{"a", "b"}, keys(snapshot))
	assert.Equal(t, []string{"a", "b"}, keys(r.Freeze()))

	// The snapshot is a copy.
	snapshot[0].Enabled = false
	assert.Equal(t, []string{"a", "b"}, keys(r.Enabled()))
}

func TestRegistry_RegisterPanics(t *testing.T) {
	t.Parallel()
	var log []string
	r := newRegistry(&log, "a")
	assert.Panics(t, func() { r.Register("a", fakeStage{log: &log}) })

	r.Freeze()
	assert.Panics(t, func() { r.Register("late", fakeStage{log: &log}) })
}

func TestExecute_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	var log []string
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	r := New()
	r.Register("first", fakeStage{name: "first", log: &log})
	r.Register("broken", fakeStage{name: "broken", log: &log, err: errors.New("pattern not found")})
	r.Register("last", fakeStage{name: "last", log: &log})

	err := Execute(ctx, r.Freeze(), &loader.Loaded{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "stage broken: pattern not found")
	assert.Equal(t, []string{"first", "broken", "last"}, log)
	assert.Contains(t, buf.String(), "Stage failed.")
	assert.Contains(t, buf.String(), "stage=broken")
}

func TestExecute_Empty(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Execute(context.Background(), nil, &loader.Loaded{}))
}

type loggingStage struct{}

func (loggingStage) Description() string { return "logs through its context" }

func (loggingStage) Execute(ctx context.Context, _ *loader.Loaded) error {
	ctxlog.FromContext(ctx).Info("Inside stage.")
	return nil
}

func TestExecute_StageLoggerCarriesKey(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	r := New()
	r.Register("rem-sn", loggingStage{})
	require.NoError(t, Execute(ctx, r.Freeze(), &loader.Loaded{}))

	assert.Contains(t, buf.String(), `msg="Inside stage." stage=rem-sn`)
}
