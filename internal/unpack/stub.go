package unpack

import (
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/slayer/internal/peimage"
	"golang.org/x/arch/x86/x86asm"
)

const maxStubInstructions = 64

// StubInfo describes the first basic instructions at a native entry point.
type StubInfo struct {
	Instructions  int
	Mnemonics     []string
	Calls         []uint32
	Jumps         []uint32
	LeavesSection bool
}

// Fingerprint joins the decoded mnemonics.
func (s StubInfo) Fingerprint() string {
	return strings.Join(s.Mnemonics, ";")
}

// ProbeStub disassembles the entry stub of img up to the first return,
// unconditional jump or undecodable instruction and records its control
// transfers.
func ProbeStub(img *peimage.Image) (StubInfo, error) {
	var info StubInfo
	entry := img.EntryPoint()
	if entry == 0 {
		return info, errors.New("image has no entry point")
	}
	start, err := img.RVAToOffset(entry)
	if err != nil {
		return info, fmt.Errorf("entry point: %w", err)
	}
	lo, hi := sectionBounds(img, entry)

	mode := 32
	if img.Is64() {
		mode = 64
	}
	data := img.Bytes()
	rva, off := entry, int(start)
	for info.Instructions < maxStubInstructions && off < len(data) {
		inst, err := x86asm.Decode(data[off:], mode)
		if err != nil {
			if info.Instructions == 0 {
				return info, fmt.Errorf("decode at rva 0x%x: %w", rva, err)
			}
			break
		}
		info.Instructions++
		info.Mnemonics = append(info.Mnemonics, strings.ToLower(inst.Op.String()))
		next := rva + uint32(inst.Len)

		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint32(int64(next) + int64(rel))
			if target < lo || target >= hi {
				info.LeavesSection = true
			}
			switch inst.Op {
			case x86asm.CALL:
				info.Calls = append(info.Calls, target)
			default:
				info.Jumps = append(info.Jumps, target)
			}
		}
		if inst.Op == x86asm.RET || inst.Op == x86asm.JMP {
			break
		}
		rva = next
		off += inst.Len
	}
	return info, nil
}

func sectionBounds(img *peimage.Image, rva uint32) (uint32, uint32) {
	for _, s := range img.File().Sections {
		size := max(s.VirtualSize, s.Size)
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s.VirtualAddress, s.VirtualAddress + size
		}
	}
	return 0, 0
}
