package peimage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned for images whose headers describe data that
// cannot fit in the file.
var ErrMalformed = errors.New("malformed PE headers")

const (
	fileHeaderSize       = 20
	optionalHeader32Size = 0xE0
	optionalHeader64Size = 0xF0
	sectionHeaderSize    = 40
	coffSymbolSize       = 18
	cliHeaderSize        = 72
	metadataRootPrefix   = 16
	maxVersionLength     = 255
)

// checkBounds validates every header field the PE parser sizes a buffer
// from, so that a hostile image fails with ErrMalformed instead of driving
// an allocation far beyond the size of the file. Offsets follow the parser's
// own reading of the headers.
func checkBounds(data []byte) error {
	size := uint64(len(data))
	u16 := func(off uint64) uint16 {
		if off+2 > size {
			return 0
		}
		return binary.LittleEndian.Uint16(data[off:])
	}
	u32 := func(off uint64) uint32 {
		if off+4 > size {
			return 0
		}
		return binary.LittleEndian.Uint32(data[off:])
	}

	var fh uint64
	if u16(0) == 0x5a4d {
		lfanew := uint64(u32(0x3C))
		if lfanew+4+fileHeaderSize > size {
			return fmt.Errorf("%w: e_lfanew 0x%x is past the end of the file", ErrMalformed, lfanew)
		}
		fh = lfanew + 4
	}
	if fh+fileHeaderSize > size {
		return fmt.Errorf("%w: truncated file header", ErrMalformed)
	}

	numSections := uint64(u16(fh + 2))
	if symPtr := uint64(u32(fh + 8)); symPtr != 0 {
		strTab := symPtr + uint64(u32(fh+12))*coffSymbolSize
		if strTab+4 > size {
			return fmt.Errorf("%w: symbol table runs past the end of the file", ErrMalformed)
		}
		if n := uint64(u32(strTab)); n > 4 && strTab+n > size {
			return fmt.Errorf("%w: string table of %d bytes runs past the end of the file", ErrMalformed, n)
		}
	}

	oh := fh + fileHeaderSize
	optSize := uint64(u16(fh + 16))
	sections := oh + optSize
	if sections+numSections*sectionHeaderSize > size {
		return fmt.Errorf("%w: %d section headers run past the end of the file", ErrMalformed, numSections)
	}
	type span struct{ va, raw, ptr uint32 }
	spans := make([]span, numSections)
	for i := range spans {
		sh := sections + uint64(i)*sectionHeaderSize
		spans[i] = span{va: u32(sh + 12), raw: u32(sh + 16), ptr: u32(sh + 20)}
		if spans[i].raw > 0 && uint64(spans[i].ptr)+uint64(spans[i].raw) > size {
			return fmt.Errorf("%w: raw data of section %d runs past the end of the file", ErrMalformed, i)
		}
	}

	var dirs uint64
	switch optSize {
	case optionalHeader32Size:
		dirs = oh + 96
	case optionalHeader64Size:
		dirs = oh + 112
	default:
		// No optional header the parser understands; New rejects it.
		return nil
	}
	dir := func(i uint64) (uint32, uint32) { return u32(dirs + i*8), u32(dirs + i*8 + 4) }

	if va, n := dir(DirSecurity); va != 0 && n != 0 && uint64(va)+uint64(n) > size {
		return fmt.Errorf("%w: security directory runs past the end of the file", ErrMalformed)
	}

	comRVA, comSize := dir(DirComDescriptor)
	if comRVA == 0 {
		return nil
	}
	if uint64(comSize) > size {
		return fmt.Errorf("%w: CLI header size %d exceeds the file", ErrMalformed, comSize)
	}
	toOffset := func(rva uint32) uint64 {
		var off uint32
		for _, s := range spans {
			if rva >= s.va && rva <= s.va+s.raw {
				off = s.ptr + (rva - s.va)
			}
		}
		return uint64(off)
	}
	if comSize < cliHeaderSize {
		return nil
	}
	cli := toOffset(comRVA)
	mdRVA, mdSize := u32(cli+8), u32(cli+12)
	if uint64(mdSize) > size {
		return fmt.Errorf("%w: metadata size %d exceeds the file", ErrMalformed, mdSize)
	}
	if mdSize < metadataRootPrefix {
		return nil
	}
	verLen := u32(toOffset(mdRVA) + 12)
	if verLen > maxVersionLength || verLen > mdSize-metadataRootPrefix {
		return fmt.Errorf("%w: invalid metadata version length %d", ErrMalformed, verLen)
	}
	return nil
}
