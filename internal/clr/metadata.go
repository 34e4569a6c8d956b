package clr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const metadataSignature = 0x424A5342 // "BSJB"

var le = binary.LittleEndian

// Stream is one metadata stream. Data may be modified in place by stages but
// must keep its length.
type Stream struct {
	Name string
	Data []byte

	removed bool
}

// Removed reports whether the stream was dropped with Root.Remove.
func (s *Stream) Removed() bool { return s.removed }

// Root is the metadata root ("BSJB" header plus its streams).
type Root struct {
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Version      string
	Flags        uint16
	Streams      []*Stream
}

func parseRoot(b []byte) (*Root, error) {
	if len(b) < 20 {
		return nil, errors.New("metadata root truncated")
	}
	if le.Uint32(b) != metadataSignature {
		return nil, fmt.Errorf("invalid metadata signature 0x%08x", le.Uint32(b))
	}
	r := &Root{
		MajorVersion: le.Uint16(b[4:]),
		MinorVersion: le.Uint16(b[6:]),
		Reserved:     le.Uint32(b[8:]),
	}
	verLen := le.Uint32(b[12:])
	pos := uint32(16)
	if verLen > 255 || pos+verLen+4 > uint32(len(b)) {
		return nil, fmt.Errorf("invalid metadata version length %d", verLen)
	}
	ver := b[pos : pos+verLen]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	r.Version = string(ver)
	pos += verLen

	r.Flags = le.Uint16(b[pos:])
	count := int(le.Uint16(b[pos+2:]))
	pos += 4

	for i := 0; i < count; i++ {
		if pos+8 > uint32(len(b)) {
			return nil, fmt.Errorf("stream header %d truncated", i)
		}
		offset, size := le.Uint32(b[pos:]), le.Uint32(b[pos+4:])
		pos += 8
		end := bytes.IndexByte(b[pos:min(int(pos)+32, len(b))], 0)
		if end < 0 {
			return nil, fmt.Errorf("stream header %d has an unterminated name", i)
		}
		name := string(b[pos : pos+uint32(end)])
		pos += alignUp(uint32(end)+1, 4)

		if uint64(offset)+uint64(size) > uint64(len(b)) {
			return nil, fmt.Errorf("stream %s lies outside the metadata (offset 0x%x, size 0x%x)", name, offset, size)
		}
		r.Streams = append(r.Streams, &Stream{
			Name: name,
			Data: append([]byte(nil), b[offset:offset+size]...),
		})
	}
	return r, nil
}

// Stream returns the first live stream called name.
func (r *Root) Stream(name string) *Stream {
	for _, s := range r.Streams {
		if !s.removed && s.Name == name {
			return s
		}
	}
	return nil
}

// Remove drops s from the written metadata regardless of writer flags.
func (r *Root) Remove(s *Stream) {
	s.removed = true
}

// IsKnownStream reports whether the runtime reads a stream with this name.
func IsKnownStream(name string) bool {
	switch name {
	case "#~", "#-", "#Strings", "#US", "#GUID", "#Blob", "#Pdb", "#JTD":
		return true
	}
	return false
}

func streamClass(name string) string {
	if name == "#-" {
		return "#~"
	}
	return name
}

// Duplicates returns the live streams that repeat the name of an earlier one.
func (r *Root) Duplicates() []*Stream {
	seen := map[string]bool{}
	var dups []*Stream
	for _, s := range r.Streams {
		if s.removed {
			continue
		}
		class := streamClass(s.Name)
		if seen[class] {
			dups = append(dups, s)
			continue
		}
		seen[class] = true
	}
	return dups
}

// kept returns the streams that survive serialization.
func (r *Root) kept(flags MetadataFlags) []*Stream {
	seen := map[string]bool{}
	var out []*Stream
	for _, s := range r.Streams {
		if s.removed {
			continue
		}
		if !IsKnownStream(s.Name) && !flags.Has(PreserveUnknownStreams) {
			continue
		}
		class := streamClass(s.Name)
		if seen[class] && !flags.Has(PreserveDuplicateStreams) {
			continue
		}
		seen[class] = true
		out = append(out, s)
	}
	return out
}

// serialize renders the root with the streams selected by flags.
func (r *Root) serialize(flags MetadataFlags) []byte {
	streams := r.kept(flags)

	ver := append([]byte(r.Version), 0)
	for len(ver)%4 != 0 {
		ver = append(ver, 0)
	}

	headers := 0
	for _, s := range streams {
		headers += 8 + int(alignUp(uint32(len(s.Name)+1), 4))
	}

	out := make([]byte, 0, 32+headers)
	out = le.AppendUint32(out, metadataSignature)
	out = le.AppendUint16(out, r.MajorVersion)
	out = le.AppendUint16(out, r.MinorVersion)
	out = le.AppendUint32(out, r.Reserved)
	out = le.AppendUint32(out, uint32(len(ver)))
	out = append(out, ver...)
	out = le.AppendUint16(out, r.Flags)
	out = le.AppendUint16(out, uint16(len(streams)))

	offset := uint32(len(out) + headers)
	var data []byte
	for _, s := range streams {
		size := alignUp(uint32(len(s.Data)), 4)
		out = le.AppendUint32(out, offset)
		out = le.AppendUint32(out, size)
		name := append([]byte(s.Name), 0)
		for len(name)%4 != 0 {
			name = append(name, 0)
		}
		out = append(out, name...)
		padded := make([]byte, size)
		copy(padded, s.Data)
		data = append(data, padded...)
		offset += size
	}
	return append(out, data...)
}

type heaps struct {
	strings []byte
	blob    []byte
	guid    []byte
	us      []byte
}

func newHeaps(r *Root) heaps {
	var h heaps
	if s := r.Stream("#Strings"); s != nil {
		h.strings = s.Data
	}
	if s := r.Stream("#Blob"); s != nil {
		h.blob = s.Data
	}
	if s := r.Stream("#GUID"); s != nil {
		h.guid = s.Data
	}
	if s := r.Stream("#US"); s != nil {
		h.us = s.Data
	}
	return h
}

func (h heaps) str(idx uint32) string {
	if idx == 0 || idx >= uint32(len(h.strings)) {
		return ""
	}
	b := h.strings[idx:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (h heaps) blobAt(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}
	if idx >= uint32(len(h.blob)) {
		return nil, fmt.Errorf("blob index 0x%x out of range", idx)
	}
	n, size, err := decompress(h.blob[idx:])
	if err != nil {
		return nil, err
	}
	start := idx + uint32(size)
	if uint64(start)+uint64(n) > uint64(len(h.blob)) {
		return nil, fmt.Errorf("blob at 0x%x overruns the heap", idx)
	}
	return h.blob[start : start+n], nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
