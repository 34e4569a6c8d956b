package clr

import (
	"errors"
	"fmt"
)

const (
	sigHasThis      = 0x20
	sigExplicitThis = 0x40
	sigGeneric      = 0x10
	sigKindMask     = 0x0F
	sigField        = 0x06
)

// Element types that matter when reading a method signature header.
const (
	elemVoid     = 0x01
	elemCModReqd = 0x1F
	elemCModOpt  = 0x20
)

// MethodSig is the part of a method signature needed to track the evaluation
// stack: how many values a call consumes and whether it produces one.
type MethodSig struct {
	HasThis      bool
	ExplicitThis bool
	Generic      bool
	Params       int
	ReturnsVoid  bool
}

// Pops returns the number of stack slots consumed by a call with this
// signature, including the implicit instance argument.
func (s MethodSig) Pops() int {
	n := s.Params
	if s.HasThis && !s.ExplicitThis {
		n++
	}
	return n
}

// Pushes returns 1 when the call leaves a return value on the stack.
func (s MethodSig) Pushes() int {
	if s.ReturnsVoid {
		return 0
	}
	return 1
}

func parseMethodSig(b []byte) (MethodSig, error) {
	var sig MethodSig
	if len(b) < 2 {
		return sig, errors.New("method signature truncated")
	}
	cc := b[0]
	if cc&sigKindMask == sigField {
		return sig, errors.New("field signature where a method signature was expected")
	}
	sig.HasThis = cc&sigHasThis != 0
	sig.ExplicitThis = cc&sigExplicitThis != 0
	sig.Generic = cc&sigGeneric != 0
	pos := 1
	if sig.Generic {
		_, n, err := decompress(b[pos:])
		if err != nil {
			return sig, fmt.Errorf("generic parameter count: %w", err)
		}
		pos += n
	}
	params, n, err := decompress(b[pos:])
	if err != nil {
		return sig, fmt.Errorf("parameter count: %w", err)
	}
	sig.Params = int(params)
	pos += n

	for pos < len(b) && (b[pos] == elemCModReqd || b[pos] == elemCModOpt) {
		_, n, err := decompress(b[pos+1:])
		if err != nil {
			return sig, fmt.Errorf("custom modifier: %w", err)
		}
		pos += 1 + n
	}
	if pos >= len(b) {
		return sig, errors.New("method signature has no return type")
	}
	sig.ReturnsVoid = b[pos] == elemVoid
	return sig, nil
}

// decompress reads an ECMA-335 compressed unsigned integer and returns it with
// the number of bytes it occupied.
func decompress(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.New("compressed integer truncated")
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errors.New("compressed integer truncated")
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, errors.New("compressed integer truncated")
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, fmt.Errorf("invalid compressed integer lead byte 0x%02x", b[0])
}
