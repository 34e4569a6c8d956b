package testutil

import (
	"bytes"
	"encoding/binary"
)

// Synthetic PE32 images for tests. The layout is fixed and minimal: a DOS
// header whose e_lfanew points at 0x80, one optional header with 16 data
// directories and file-aligned (0x200) raw sections.

const (
	fileAlign          = 0x200
	managedSectionRVA  = 0x2000
	managedSectionAlig = 0x2000
	cliHeaderSize      = 72
)

// Method describes one MethodDef row and its body.
type Method struct {
	Name         string
	Code         []byte
	MaxStack     uint16
	Fat          bool
	Params       int
	ReturnsValue bool
	HasThis      bool
	Clauses      []EHClause
}

// EHClause is a fat exception handling clause.
type EHClause struct {
	Flags         uint32
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	ClassToken    uint32
}

// Stream is an additional metadata stream appended after the standard ones.
type Stream struct {
	Name string
	Data []byte
}

// TypeRef describes a TypeRef row scoped to an AssemblyRef (1-based).
type TypeRef struct {
	AssemblyRef int
	Namespace   string
	Name        string
}

// ManagedPE describes a managed module to synthesize.
type ManagedPE struct {
	AssemblyName string
	ModuleName   string
	Mixed        bool
	StrongNamed  bool
	NoAssembly   bool
	AssemblyRefs []string
	TypeRefs     []TypeRef
	Methods      []Method
	ExtraStreams []Stream
	Overlay      []byte
}

// NativeWrapper describes a native launcher carrying a managed payload.
type NativeWrapper struct {
	Payload   []byte
	XorKey    byte
	InOverlay bool
	Stub      []byte
}

// DefaultStub is a 32-bit entry stub: push ebp; mov ebp, esp; call +0;
// xor eax, eax; pop ebp; ret.
var DefaultStub = []byte{0x55, 0x89, 0xE5, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x31, 0xC0, 0x5D, 0xC3}

// BuildManagedPE returns the bytes of a PE32 image with a CLI header and
// ECMA-335 metadata describing o.
func BuildManagedPE(o ManagedPE) []byte {
	if o.AssemblyName == "" {
		o.AssemblyName = "Sample"
	}
	if o.ModuleName == "" {
		o.ModuleName = o.AssemblyName + ".exe"
	}

	var text bytes.Buffer
	text.Write(make([]byte, cliHeaderSize))

	rvas := make([]uint32, len(o.Methods))
	for i, m := range o.Methods {
		pad4(&text)
		rvas[i] = managedSectionRVA + uint32(text.Len())
		text.Write(methodBody(m))
	}

	var snRVA, snSize uint32
	if o.StrongNamed {
		pad4(&text)
		snRVA = managedSectionRVA + uint32(text.Len())
		snSize = 128
		text.Write(bytes.Repeat([]byte{0xAB}, int(snSize)))
	}

	pad4(&text)
	mdRVA := managedSectionRVA + uint32(text.Len())
	md := buildMetadata(o, rvas)
	text.Write(md)

	var flags uint32
	if !o.Mixed {
		flags |= 0x1
	}
	if o.StrongNamed {
		flags |= 0x8
	}
	var entry uint32
	if len(o.Methods) > 0 {
		entry = 0x06000001
	}

	raw := text.Bytes()
	hdr := raw[:cliHeaderSize]
	le.PutUint32(hdr[0:], cliHeaderSize)
	le.PutUint16(hdr[4:], 2)
	le.PutUint16(hdr[6:], 5)
	le.PutUint32(hdr[8:], mdRVA)
	le.PutUint32(hdr[12:], uint32(len(md)))
	le.PutUint32(hdr[16:], flags)
	le.PutUint32(hdr[20:], entry)
	le.PutUint32(hdr[32:], snRVA)
	le.PutUint32(hdr[36:], snSize)

	return buildImage([]section{{name: ".text", rva: managedSectionRVA, data: raw, chars: 0x60000020}}, imageOptions{
		sectionAlign: managedSectionAlig,
		comRVA:       managedSectionRVA,
		comSize:      cliHeaderSize,
		overlay:      o.Overlay,
	})
}

// BuildNativeWrapper returns a native PE32 image without a CLI header that
// carries o.Payload in a data section or in the overlay, optionally XOR-ed
// with a single-byte key.
func BuildNativeWrapper(o NativeWrapper) []byte {
	stub := o.Stub
	if stub == nil {
		stub = DefaultStub
	}
	payload := append([]byte(nil), o.Payload...)
	if o.XorKey != 0 {
		for i := range payload {
			payload[i] ^= o.XorKey
		}
	}

	secs := []section{{name: ".text", rva: 0x1000, data: stub, chars: 0x60000020}}
	var overlay []byte
	if o.InOverlay {
		overlay = payload
	} else {
		rva := 0x1000 + alignUp(uint32(len(stub)), 0x1000)
		secs = append(secs, section{name: ".data", rva: rva, data: payload, chars: 0xC0000040})
	}
	return buildImage(secs, imageOptions{sectionAlign: 0x1000, entry: 0x1000, overlay: overlay})
}

var le = binary.LittleEndian

type section struct {
	name  string
	rva   uint32
	data  []byte
	chars uint32
}

type imageOptions struct {
	sectionAlign uint32
	entry        uint32
	comRVA       uint32
	comSize      uint32
	overlay      []byte
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type fileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type optionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]dataDirectory
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

func buildImage(sections []section, opt imageOptions) []byte {
	var out bytes.Buffer

	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	le.PutUint32(dos[0x3C:], 0x80)
	out.Write(dos)
	out.WriteString("PE\x00\x00")

	_ = binary.Write(&out, le, fileHeader{
		Machine:              0x14c,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: 0xE0,
		Characteristics:      0x0102,
	})

	offsets := make([]uint32, len(sections))
	rawSizes := make([]uint32, len(sections))
	next := uint32(fileAlign)
	for i, s := range sections {
		offsets[i] = next
		rawSizes[i] = alignUp(uint32(len(s.data)), fileAlign)
		next += rawSizes[i]
	}
	last := sections[len(sections)-1]

	oh := optionalHeader32{
		Magic:                       0x10b,
		MajorLinkerVersion:          8,
		SizeOfCode:                  rawSizes[0],
		AddressOfEntryPoint:         opt.entry,
		BaseOfCode:                  sections[0].rva,
		ImageBase:                   0x400000,
		SectionAlignment:            opt.sectionAlign,
		FileAlignment:               fileAlign,
		MajorOperatingSystemVersion: 4,
		MajorSubsystemVersion:       4,
		SizeOfImage:                 alignUp(last.rva+uint32(len(last.data)), opt.sectionAlign),
		SizeOfHeaders:               fileAlign,
		Subsystem:                   3,
		DllCharacteristics:          0x8540,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	}
	oh.DataDirectory[14] = dataDirectory{VirtualAddress: opt.comRVA, Size: opt.comSize}
	_ = binary.Write(&out, le, oh)

	for i, s := range sections {
		var sh sectionHeader
		copy(sh.Name[:], s.name)
		sh.VirtualSize = uint32(len(s.data))
		sh.VirtualAddress = s.rva
		sh.SizeOfRawData = rawSizes[i]
		sh.PointerToRawData = offsets[i]
		sh.Characteristics = s.chars
		_ = binary.Write(&out, le, sh)
	}
	out.Write(make([]byte, fileAlign-out.Len()))

	for i, s := range sections {
		out.Write(s.data)
		out.Write(make([]byte, int(rawSizes[i])-len(s.data)))
	}
	out.Write(opt.overlay)
	return out.Bytes()
}

func methodBody(m Method) []byte {
	if !m.Fat && len(m.Clauses) == 0 && len(m.Code) < 64 {
		return append([]byte{byte(len(m.Code)<<2 | 0x2)}, m.Code...)
	}
	flags := uint16(0x3003)
	if len(m.Clauses) > 0 {
		flags |= 0x08
	}
	b := make([]byte, 12)
	le.PutUint16(b[0:], flags)
	le.PutUint16(b[2:], m.MaxStack)
	le.PutUint32(b[4:], uint32(len(m.Code)))
	b = append(b, m.Code...)
	if len(m.Clauses) == 0 {
		return b
	}
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	size := uint32(len(m.Clauses)*24 + 4)
	b = append(b, 0x41, byte(size), byte(size>>8), byte(size>>16))
	for _, c := range m.Clauses {
		for _, v := range []uint32{c.Flags, c.TryOffset, c.TryLength, c.HandlerOffset, c.HandlerLength, c.ClassToken} {
			b = le.AppendUint32(b, v)
		}
	}
	return b
}

type stringHeap struct {
	data  []byte
	index map[string]uint16
}

func (h *stringHeap) add(s string) uint16 {
	if s == "" {
		return 0
	}
	if off, ok := h.index[s]; ok {
		return off
	}
	off := uint16(len(h.data))
	h.data = append(h.data, s...)
	h.data = append(h.data, 0)
	h.index[s] = off
	return off
}

type rowWriter struct{ b []byte }

func (w *rowWriter) u16(v uint16) *rowWriter { w.b = le.AppendUint16(w.b, v); return w }
func (w *rowWriter) u32(v uint32) *rowWriter { w.b = le.AppendUint32(w.b, v); return w }

func buildMetadata(o ManagedPE, rvas []uint32) []byte {
	strs := &stringHeap{data: []byte{0}, index: map[string]uint16{}}
	blob := []byte{0}
	addBlob := func(b []byte) uint16 {
		off := uint16(len(blob))
		blob = append(blob, byte(len(b)))
		blob = append(blob, b...)
		return off
	}

	rows := map[int]*rowWriter{}
	counts := map[int]uint32{}
	row := func(table int) *rowWriter {
		w, ok := rows[table]
		if !ok {
			w = &rowWriter{}
			rows[table] = w
		}
		counts[table]++
		return w
	}

	// Module
	row(0x00).u16(0).u16(strs.add(o.ModuleName)).u16(1).u16(0).u16(0)

	// TypeRef
	for _, tr := range o.TypeRefs {
		row(0x01).u16(uint16(tr.AssemblyRef<<2 | 2)).u16(strs.add(tr.Name)).u16(strs.add(tr.Namespace))
	}

	// TypeDef: <Module> and Program, which owns every method.
	var extends uint16
	if len(o.TypeRefs) > 0 {
		extends = 1<<2 | 1
	}
	row(0x02).u32(0).u16(strs.add("<Module>")).u16(0).u16(0).u16(1).u16(1)
	row(0x02).u32(0x00100001).u16(strs.add("Program")).u16(strs.add(o.AssemblyName)).u16(extends).u16(1).u16(1)

	// MethodDef
	for i, m := range o.Methods {
		var cc byte
		flags := uint16(0x0096)
		if m.HasThis {
			cc = 0x20
			flags = 0x0086
		}
		sig := []byte{cc, byte(m.Params)}
		if m.ReturnsValue {
			sig = append(sig, 0x08)
		} else {
			sig = append(sig, 0x01)
		}
		for p := 0; p < m.Params; p++ {
			sig = append(sig, 0x08)
		}
		row(0x06).u32(rvas[i]).u16(0).u16(flags).u16(strs.add(m.Name)).u16(addBlob(sig)).u16(1)
	}

	// Assembly
	if !o.NoAssembly {
		row(0x20).u32(0x8004).u16(1).u16(0).u16(0).u16(0).u32(0).u16(0).u16(strs.add(o.AssemblyName)).u16(0)
	}

	// AssemblyRef
	for _, name := range o.AssemblyRefs {
		row(0x23).u16(4).u16(0).u16(0).u16(0).u32(0).u16(0).u16(strs.add(name)).u16(0).u16(0)
	}

	var tables bytes.Buffer
	var valid uint64
	present := []int{}
	for id := 0; id < 64; id++ {
		if counts[id] > 0 {
			valid |= 1 << uint(id)
			present = append(present, id)
		}
	}
	hdr := &rowWriter{}
	hdr.u32(0)
	hdr.b = append(hdr.b, 2, 0, 0, 1)
	hdr.b = le.AppendUint64(hdr.b, valid)
	hdr.b = le.AppendUint64(hdr.b, 0)
	for _, id := range present {
		hdr.u32(counts[id])
	}
	tables.Write(hdr.b)
	for _, id := range present {
		tables.Write(rows[id].b)
	}

	guid := make([]byte, 16)
	for i := range guid {
		guid[i] = byte(i + 1)
	}

	streams := []Stream{
		{Name: "#~", Data: tables.Bytes()},
		{Name: "#Strings", Data: strs.data},
		{Name: "#US", Data: []byte{0}},
		{Name: "#GUID", Data: guid},
		{Name: "#Blob", Data: blob},
	}
	streams = append(streams, o.ExtraStreams...)
	return BuildMetadataRoot("v4.0.30319", streams)
}

// BuildMetadataRoot serializes a metadata root ("BSJB") with the given streams.
func BuildMetadataRoot(version string, streams []Stream) []byte {
	ver := []byte(version)
	ver = append(ver, 0)
	for len(ver)%4 != 0 {
		ver = append(ver, 0)
	}

	headersSize := 0
	for _, s := range streams {
		headersSize += 8 + int(alignUp(uint32(len(s.Name)+1), 4))
	}

	w := &rowWriter{}
	w.u32(0x424A5342).u16(1).u16(1).u32(0).u32(uint32(len(ver)))
	w.b = append(w.b, ver...)
	w.u16(0).u16(uint16(len(streams)))

	offset := uint32(len(w.b) + headersSize)
	var data []byte
	for _, s := range streams {
		size := alignUp(uint32(len(s.Data)), 4)
		w.u32(offset).u32(size)
		name := append([]byte(s.Name), 0)
		for len(name)%4 != 0 {
			name = append(name, 0)
		}
		w.b = append(w.b, name...)
		padded := make([]byte, size)
		copy(padded, s.Data)
		data = append(data, padded...)
		offset += size
	}
	return append(w.b, data...)
}

func pad4(b *bytes.Buffer) {
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
