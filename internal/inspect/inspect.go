// Package inspect opens a managed image as a read-only reflection handle.
// Stages use it to look at the module as the runtime would describe it,
// while clr.Module remains the editable view.
package inspect

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/peimage"
)

// Handle is a read-only description of a managed image.
type Handle struct {
	Path           string
	RuntimeVersion string
	Flags          uint32
	Streams        []string
	Assembly       string
	Types          []string
	Relaxed        bool
}

// Load opens path with full metadata validation: every table must decode and
// the image must carry an assembly manifest.
func Load(path string) (*Handle, error) {
	img, err := peimage.Open(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	m, err := clr.Load(img, nil)
	if err != nil {
		return nil, err
	}
	if m.Assembly == nil {
		return nil, errors.New("image has no assembly manifest")
	}
	h := newHandle(path, m.Header, m.Metadata)
	h.Assembly = m.Assembly.String()
	for _, td := range m.TypeDefs {
		h.Types = append(h.Types, td.FullName())
	}
	return h, nil
}

// LoadRelaxed opens path checking only the CLI header and the metadata root.
func LoadRelaxed(path string) (*Handle, error) {
	img, err := peimage.Open(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	hdr, root, err := clr.ReadHeaders(img)
	if err != nil {
		return nil, fmt.Errorf("relaxed load of %s: %w", path, err)
	}
	h := newHandle(path, hdr, root)
	h.Relaxed = true
	return h, nil
}

func newHandle(path string, hdr clr.Cor20Header, root *clr.Root) *Handle {
	h := &Handle{Path: path, RuntimeVersion: root.Version, Flags: hdr.Flags}
	for _, s := range root.Streams {
		h.Streams = append(h.Streams, s.Name)
	}
	return h
}
