package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/slayer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
	err          error
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	if m.objects == nil {
		m.objects, m.contentTypes = map[string][]byte{}, map[string]string{}
	}
	m.objects[key], m.contentTypes[key] = data, contentType
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	content := []byte("MZ slayed module")
	path := filepath.Join(t.TempDir(), "Sample_Slayed.exe")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	store := &memStore{}

	key, err := New(store).Publish(context.Background(), path)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:])[:16]+"/Sample_Slayed.exe", key)
	assert.Equal(t, content, store.objects[key])
	assert.NotEmpty(t, store.contentTypes[key])
}

func TestPublisher_Errors(t *testing.T) {
	t.Parallel()
	_, err := New(&memStore{}).Publish(context.Background(), filepath.Join(t.TempDir(), "missing.exe"))
	assert.ErrorContains(t, err, "failed to open artifact")

	path := filepath.Join(t.TempDir(), "a.dll")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err = New(&memStore{err: errors.New("denied")}).Publish(context.Background(), path)
	assert.ErrorContains(t, err, "denied")
}

func TestNewMinioStore(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     config.Artifact
		wantErr string
	}{
		{name: "no endpoint", cfg: config.Artifact{Bucket: "b", AccessKey: "a", SecretKey: "s"}, wantErr: "endpoint is required"},
		{name: "no credentials", cfg: config.Artifact{Endpoint: "localhost:9000", Bucket: "b"}, wantErr: "secret key are required"},
		{name: "no bucket", cfg: config.Artifact{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, wantErr: "bucket is required"},
		{name: "valid", cfg: config.Artifact{Endpoint: "localhost:9000", Bucket: " slayed ", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewMinioStore(tc.cfg)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "slayed", s.Bucket())
			assert.Equal(t, defaultRegion, s.region)
		})
	}
}
