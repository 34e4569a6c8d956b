// Package publish archives saved modules to an S3 compatible object store.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/slayer/internal/ctxlog"
)

// Store uploads one object.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Publisher uploads files to a Store under a content-addressed key.
type Publisher struct {
	store Store
}

// New returns a Publisher backed by store.
func New(store Store) *Publisher {
	return &Publisher{store: store}
}

// Publish uploads the file at path and returns its object key, which is
// "<first 16 hex digits of the SHA-256>/<file name>".
func (p *Publisher) Publish(ctx context.Context, path string) (string, error) {
	logger := ctxlog.FromContext(ctx).With("action", "publish")

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact '%s': %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return "", fmt.Errorf("failed to hash artifact '%s': %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind artifact '%s': %w", path, err)
	}

	key := objectKey(hex.EncodeToString(h.Sum(nil))[:16], filepath.Base(path))
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	logger.Info("Uploading artifact.", "source", path, "key", key, "size", size)
	if err := p.store.Put(ctx, key, file, size, contentType); err != nil {
		return "", fmt.Errorf("failed to upload artifact '%s': %w", path, err)
	}
	logger.Info("Artifact uploaded.", "key", key)
	return key, nil
}

func objectKey(prefix, name string) string {
	return prefix + "/" + strings.TrimLeft(strings.TrimSpace(name), "/")
}
