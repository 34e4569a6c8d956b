package clr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CLI header flags (COMIMAGE_FLAGS_*).
const (
	FlagILOnly           uint32 = 0x00000001
	Flag32BitRequired    uint32 = 0x00000002
	FlagILLibrary        uint32 = 0x00000004
	FlagStrongNameSigned uint32 = 0x00000008
	FlagNativeEntryPoint uint32 = 0x00000010
	FlagTrackDebugData   uint32 = 0x00010000
	Flag32BitPreferred   uint32 = 0x00020000
)

const cor20Size = 72

// DataDirectory is an RVA/size pair inside the CLI header.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Cor20Header is the CLI header referenced by the COM descriptor directory.
type Cor20Header struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

func parseCor20(b []byte) (Cor20Header, error) {
	var h Cor20Header
	if len(b) < cor20Size {
		return h, fmt.Errorf("CLI header truncated: %d bytes", len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:cor20Size]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read CLI header: %w", err)
	}
	if h.Cb < cor20Size {
		return h, fmt.Errorf("invalid CLI header size %d", h.Cb)
	}
	if h.MetaData.VirtualAddress == 0 || h.MetaData.Size == 0 {
		return h, fmt.Errorf("CLI header has no metadata directory")
	}
	return h, nil
}

func (h Cor20Header) bytes() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}
