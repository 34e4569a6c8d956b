package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		path string
		want Run
	}{
		{
			path: `C:\x\Sample.exe`,
			want: Run{
				SourcePath: `C:\x\Sample.exe`, SourceFileName: "Sample", SourceExt: ".exe", SourceDir: `C:\x`,
				DestPath: `C:\x\Sample_Slayed.exe`, DestFileName: "Sample_Slayed.exe",
			},
		},
		{
			path: "/tmp/in/Lib.Core.dll",
			want: Run{
				SourcePath: "/tmp/in/Lib.Core.dll", SourceFileName: "Lib.Core", SourceExt: ".dll", SourceDir: "/tmp/in",
				DestPath: "/tmp/in/Lib.Core_Slayed.dll", DestFileName: "Lib.Core_Slayed.dll",
			},
		},
		{
			path: "Sample.exe",
			want: Run{
				SourcePath: "Sample.exe", SourceFileName: "Sample", SourceExt: ".exe",
				DestPath: "Sample_Slayed.exe", DestFileName: "Sample_Slayed.exe",
			},
		},
		{
			path: "/bin/tool",
			want: Run{
				SourcePath: "/bin/tool", SourceFileName: "tool", SourceDir: "/bin",
				DestPath: "/bin/tool_Slayed", DestFileName: "tool_Slayed",
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tc.want, Derive(tc.path)); diff != "" {
				t.Errorf("Derive mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "Sample.exe")
	require.NoError(t, os.WriteFile(file, []byte("MZ"), 0o644))

	r, err := NewRun(file)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Sample_Slayed.exe"), r.DestPath)
	assert.False(t, r.PreserveAll || r.KeepOldMaxStack || r.NoPause)

	for _, bad := range []string{"", filepath.Join(dir, "missing.exe"), dir} {
		_, err := NewRun(bad)
		assert.True(t, errors.Is(err, ErrInvalidInput), "path %q", bad)
	}
}

func TestRun_WithSettings(t *testing.T) {
	t.Parallel()
	r := Derive("/in/a.exe").WithSettings(Settings{PreserveAll: true, NoPause: true})
	assert.True(t, r.PreserveAll)
	assert.False(t, r.KeepOldMaxStack)
	assert.True(t, r.NoPause)
	assert.Equal(t, "/in/a_Slayed.exe", r.DestPath)
}
