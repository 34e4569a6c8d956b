package peimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/slayer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ManagedImage(t *testing.T) {
	data := testutil.BuildManagedPE(testutil.ManagedPE{Overlay: []byte("tail")})

	img, err := New(data)
	require.NoError(t, err)
	defer img.Close()

	assert.False(t, img.Is64())
	dir, ok := img.DataDirectory(DirComDescriptor)
	require.True(t, ok)
	assert.Equal(t, uint32(0x2000), dir.VirtualAddress)
	assert.Equal(t, uint32(72), dir.Size)

	off, err := img.RVAToOffset(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x200), off)

	assert.Equal(t, []byte("tail"), img.Overlay())
	assert.Equal(t, uint32(len(data)-4), img.EndOfImage())
}

func TestNew_NativeImageHasNoComDescriptor(t *testing.T) {
	img, err := New(testutil.BuildNativeWrapper(testutil.NativeWrapper{Payload: []byte("payload")}))
	require.NoError(t, err)
	defer img.Close()

	_, ok := img.DataDirectory(DirComDescriptor)
	assert.False(t, ok)
	assert.Equal(t, uint32(0x1000), img.EntryPoint())
}

func TestNew_RejectsGarbage(t *testing.T) {
	_, err := New([]byte("definitely not a portable executable"))
	require.Error(t, err)
}

func TestNew_RejectsHeadersLargerThanTheFile(t *testing.T) {
	t.Parallel()
	le := binary.LittleEndian

	// Fixture layout: e_lfanew 0x80, file header at 0x84, data directories
	// at 0xF8, first section header at 0x178, CLI header at file offset 0x200.
	testCases := []struct {
		name   string
		mutate func(data []byte)
		want   string
	}{
		{
			name: "metadata version length",
			mutate: func(data []byte) {
				le.PutUint32(data[bytes.Index(data, []byte("BSJB"))+12:], 0x40000000)
			},
			want: "invalid metadata version length 1073741824",
		},
		{
			name: "version length past the metadata",
			mutate: func(data []byte) {
				le.PutUint32(data[bytes.Index(data, []byte("BSJB"))+12:], 255)
				le.PutUint32(data[0x200+12:], 64)
			},
			want: "invalid metadata version length 255",
		},
		{
			name:   "metadata size",
			mutate: func(data []byte) { le.PutUint32(data[0x200+12:], 0xFFFFFFF0) },
			want:   "metadata size",
		},
		{
			name:   "CLI header size",
			mutate: func(data []byte) { le.PutUint32(data[0xF8+DirComDescriptor*8+4:], 0x7FFFFFFF) },
			want:   "CLI header size",
		},
		{
			name:   "e_lfanew",
			mutate: func(data []byte) { le.PutUint32(data[0x3C:], 0xFFFFFF00) },
			want:   "e_lfanew",
		},
		{
			name: "symbol table",
			mutate: func(data []byte) {
				le.PutUint32(data[0x84+8:], 0x100)
				le.PutUint32(data[0x84+12:], 0x0FFFFFFF)
			},
			want: "symbol table",
		},
		{
			name: "security directory",
			mutate: func(data []byte) {
				le.PutUint32(data[0xF8+DirSecurity*8:], 0x10)
				le.PutUint32(data[0xF8+DirSecurity*8+4:], 0x7FFFFFFF)
			},
			want: "security directory",
		},
		{
			name:   "section raw data",
			mutate: func(data []byte) { le.PutUint32(data[0x178+16:], 0x7FFFFFFF) },
			want:   "raw data of section 0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			data := testutil.BuildManagedPE(testutil.ManagedPE{})
			tc.mutate(data)

			// --- Act ---
			img, err := New(data)

			// --- Assert ---
			require.Error(t, err)
			assert.Nil(t, img)
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRVAToOffset_Unmapped(t *testing.T) {
	img, err := New(testutil.BuildManagedPE(testutil.ManagedPE{}))
	require.NoError(t, err)
	defer img.Close()

	_, err = img.RVAToOffset(0x900000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotMapped))
}

func TestOpen_RecordsPathAndCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Sample.exe")
	require.NoError(t, os.WriteFile(path, testutil.BuildManagedPE(testutil.ManagedPE{}), 0o644))

	img, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, img.Path())
	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
}
