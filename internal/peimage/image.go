// Package peimage provides the raw, byte-level view of a PE image that the
// loader, the unpacker and the writer inspect: headers, data directories,
// section mapping and overlay.
package peimage

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Binject/debug/pe"
)

// Data directory indexes used by this module.
const (
	DirSecurity      = 4
	DirComDescriptor = 14
)

// ErrNotMapped is returned when an RVA is not backed by file data.
var ErrNotMapped = errors.New("rva is not mapped by any section")

// Image is an immutable view over the bytes of one PE file.
type Image struct {
	path   string
	data   []byte
	file   *pe.File
	closed bool
}

// Open reads the file at path and parses its PE headers.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	img, err := New(data)
	if err != nil {
		return nil, err
	}
	img.path = path
	return img, nil
}

// New parses data as a PE image. The slice is retained, not copied.
func New(data []byte) (*Image, error) {
	if err := checkBounds(data); err != nil {
		return nil, fmt.Errorf("invalid PE image: %w", err)
	}
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid PE image: %w", err)
	}
	if f.OptionalHeader == nil {
		f.Close()
		return nil, errors.New("invalid PE image: missing optional header")
	}
	return &Image{data: data, file: f}, nil
}

// Path returns the file the image was read from, if any.
func (im *Image) Path() string { return im.path }

// Bytes returns the raw image bytes. Callers must not modify them.
func (im *Image) Bytes() []byte { return im.data }

// File exposes the parsed headers.
func (im *Image) File() *pe.File { return im.file }

// Is64 reports whether the image has a PE32+ optional header.
func (im *Image) Is64() bool {
	_, ok := im.file.OptionalHeader.(*pe.OptionalHeader64)
	return ok
}

// EntryPoint returns AddressOfEntryPoint.
func (im *Image) EntryPoint() uint32 {
	switch oh := im.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.AddressOfEntryPoint
	case *pe.OptionalHeader64:
		return oh.AddressOfEntryPoint
	}
	return 0
}

// DataDirectory returns directory i, or false when it is absent or empty.
func (im *Image) DataDirectory(i int) (pe.DataDirectory, bool) {
	var dirs []pe.DataDirectory
	switch oh := im.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
	}
	if i < 0 || i >= len(dirs) || dirs[i].VirtualAddress == 0 {
		return pe.DataDirectory{}, false
	}
	return dirs[i], true
}

// RVAToOffset maps a relative virtual address to a file offset.
func (im *Image) RVAToOffset(rva uint32) (uint32, error) {
	for _, s := range im.file.Sections {
		size := s.VirtualSize
		if size == 0 || size < s.Size {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			delta := rva - s.VirtualAddress
			if delta >= s.Size {
				return 0, fmt.Errorf("%w: 0x%x lies in the uninitialized part of %s", ErrNotMapped, rva, s.Name)
			}
			return s.Offset + delta, nil
		}
	}
	if headers := im.sizeOfHeaders(); rva < headers {
		return rva, nil
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNotMapped, rva)
}

// ReadAt returns n bytes at rva.
func (im *Image) ReadAt(rva, n uint32) ([]byte, error) {
	off, err := im.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	if uint64(off)+uint64(n) > uint64(len(im.data)) {
		return nil, fmt.Errorf("read of %d bytes at rva 0x%x runs past end of file", n, rva)
	}
	return im.data[off : off+n], nil
}

// EndOfImage returns the offset just past the last section's raw data.
func (im *Image) EndOfImage() uint32 {
	end := im.sizeOfHeaders()
	for _, s := range im.file.Sections {
		if e := s.Offset + s.Size; s.Size > 0 && e > end {
			end = e
		}
	}
	if int(end) > len(im.data) {
		return uint32(len(im.data))
	}
	return end
}

// Overlay returns the bytes appended after the last section, if any.
func (im *Image) Overlay() []byte {
	return im.data[im.EndOfImage():]
}

// Close releases the parsed headers. It is safe to call more than once.
func (im *Image) Close() error {
	if im.closed {
		return nil
	}
	im.closed = true
	return im.file.Close()
}

func (im *Image) sizeOfHeaders() uint32 {
	switch oh := im.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		return oh.SizeOfHeaders
	}
	return 0
}
