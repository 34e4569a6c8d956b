package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/slayer/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0o644))
	return path
}

func TestParse(t *testing.T) {
	t.Parallel()
	in := inputFile(t)
	missing := filepath.Join(filepath.Dir(in), "missing.exe")

	testCases := []struct {
		name string
		args []string
		want *app.Config
	}{
		{
			name: "input only",
			args: []string{in},
			want: &app.Config{InputPath: in},
		},
		{
			name: "first existing file wins",
			args: []string{missing, in, in + "x"},
			want: &app.Config{InputPath: in},
		},
		{
			name: "switches in both forms",
			args: []string{"--keep-stack", "true", in, "-rem-nops", "False", "--preserve-all", "1"},
			want: &app.Config{InputPath: in, Toggles: []app.Toggle{
				{Name: "keep-stack", Value: true},
				{Name: "rem-nops", Value: false},
				{Name: "preserve-all", Value: true},
			}},
		},
		{
			name: "unknown switch is passed through",
			args: []string{in, "--frobnicate", "true"},
			want: &app.Config{InputPath: in, Toggles: []app.Toggle{{Name: "frobnicate", Value: true}}},
		},
		{
			name: "switch without a boolean is ignored",
			args: []string{"--no-pause", in, "--keep-stack"},
			want: &app.Config{InputPath: in},
		},
		{
			name: "string options",
			args: []string{in, "--log-level", "DEBUG", "-log-format", "json", "--profile", "p.hcl"},
			want: &app.Config{InputPath: in, LogLevel: "debug", LogFormat: "json", ProfilePath: "p.hcl"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			got, shouldExit, err := Parse(tc.args, &out, nil)
			require.NoError(t, err)
			assert.False(t, shouldExit)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	in := inputFile(t)

	testCases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no input", args: []string{"--keep-stack", "true"}, want: "No input files specified."},
		{name: "missing input", args: []string{"nowhere.exe"}, want: "No input files specified."},
		{name: "bad log level", args: []string{in, "--log-level", "loud"}, want: "invalid log-level"},
		{name: "bad log format", args: []string{in, "--log-format", "xml"}, want: "invalid log-format"},
		{name: "option without value", args: []string{in, "--profile"}, want: "needs a value"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			_, shouldExit, err := Parse(tc.args, &out, nil)
			assert.False(t, shouldExit)
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr))
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.want)
		})
	}
}

func TestParse_Help(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	cfg, shouldExit, err := Parse([]string{"-h"}, &out, app.AvailableStages())
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Nil(t, cfg)

	usage := out.String()
	assert.Contains(t, usage, "Usage:")
	for _, key := range []string{"keep-stack", "preserve-all", "no-pause", "rem-sn", "rem-streams", "rem-nops"} {
		assert.Contains(t, usage, "--"+key)
	}
}
