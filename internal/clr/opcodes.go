package clr

import (
	"errors"
	"fmt"
)

type operandKind uint8

const (
	opNone operandKind = iota
	opByte
	opShort
	opWord
	opLong
	opToken
	opShortBranch
	opBranch
	opSwitch
)

type flowKind uint8

const (
	flowNext flowKind = iota
	flowBranch
	flowCond
	flowCall
	flowReturn
	flowThrow
)

// varStack marks a pop or push count that depends on a call signature.
const varStack = -1

type opcode struct {
	code    uint16
	name    string
	operand operandKind
	pop     int
	push    int
	flow    flowKind
	popAll  bool
}

var (
	oneByte [256]*opcode
	twoByte [256]*opcode
)

const (
	opJmp      = 0x27
	opCall     = 0x28
	opCalli    = 0x29
	opRet      = 0x2A
	opCallvirt = 0x6F
	opNewobj   = 0x73
	opPrefix   = 0xFE
)

func def(code uint16, name string, operand operandKind, pop, push int, flow flowKind) *opcode {
	op := &opcode{code: code, name: name, operand: operand, pop: pop, push: push, flow: flow}
	if code>>8 == opPrefix {
		twoByte[code&0xFF] = op
	} else {
		oneByte[code] = op
	}
	return op
}

// defRange defines consecutive opcodes that share a stack behaviour.
func defRange(first uint16, names []string, operand operandKind, pop, push int) {
	for i, name := range names {
		def(first+uint16(i), name, operand, pop, push, flowNext)
	}
}

func init() {
	def(0x00, "nop", opNone, 0, 0, flowNext)
	def(0x01, "break", opNone, 0, 0, flowNext)
	defRange(0x02, []string{"ldarg.0", "ldarg.1", "ldarg.2", "ldarg.3", "ldloc.0", "ldloc.1", "ldloc.2", "ldloc.3"}, opNone, 0, 1)
	defRange(0x0A, []string{"stloc.0", "stloc.1", "stloc.2", "stloc.3"}, opNone, 1, 0)
	defRange(0x0E, []string{"ldarg.s", "ldarga.s"}, opByte, 0, 1)
	def(0x10, "starg.s", opByte, 1, 0, flowNext)
	defRange(0x11, []string{"ldloc.s", "ldloca.s"}, opByte, 0, 1)
	def(0x13, "stloc.s", opByte, 1, 0, flowNext)
	def(0x14, "ldnull", opNone, 0, 1, flowNext)
	defRange(0x15, []string{"ldc.i4.m1", "ldc.i4.0", "ldc.i4.1", "ldc.i4.2", "ldc.i4.3", "ldc.i4.4", "ldc.i4.5", "ldc.i4.6", "ldc.i4.7", "ldc.i4.8"}, opNone, 0, 1)
	def(0x1F, "ldc.i4.s", opByte, 0, 1, flowNext)
	def(0x20, "ldc.i4", opWord, 0, 1, flowNext)
	def(0x21, "ldc.i8", opLong, 0, 1, flowNext)
	def(0x22, "ldc.r4", opWord, 0, 1, flowNext)
	def(0x23, "ldc.r8", opLong, 0, 1, flowNext)
	def(0x25, "dup", opNone, 1, 2, flowNext)
	def(0x26, "pop", opNone, 1, 0, flowNext)
	def(opJmp, "jmp", opToken, 0, 0, flowCall)
	def(opCall, "call", opToken, varStack, varStack, flowCall)
	def(opCalli, "calli", opToken, varStack, varStack, flowCall)
	def(opRet, "ret", opNone, varStack, 0, flowReturn)

	def(0x2B, "br.s", opShortBranch, 0, 0, flowBranch)
	def(0x2C, "brfalse.s", opShortBranch, 1, 0, flowCond)
	def(0x2D, "brtrue.s", opShortBranch, 1, 0, flowCond)
	for i, name := range []string{"beq.s", "bge.s", "bgt.s", "ble.s", "blt.s", "bne.un.s", "bge.un.s", "bgt.un.s", "ble.un.s", "blt.un.s"} {
		def(0x2E+uint16(i), name, opShortBranch, 2, 0, flowCond)
	}
	def(0x38, "br", opBranch, 0, 0, flowBranch)
	def(0x39, "brfalse", opBranch, 1, 0, flowCond)
	def(0x3A, "brtrue", opBranch, 1, 0, flowCond)
	for i, name := range []string{"beq", "bge", "bgt", "ble", "blt", "bne.un", "bge.un", "bgt.un", "ble.un", "blt.un"} {
		def(0x3B+uint16(i), name, opBranch, 2, 0, flowCond)
	}
	def(0x45, "switch", opSwitch, 1, 0, flowCond)

	defRange(0x46, []string{"ldind.i1", "ldind.u1", "ldind.i2", "ldind.u2", "ldind.i4", "ldind.u4", "ldind.i8", "ldind.i", "ldind.r4", "ldind.r8", "ldind.ref"}, opNone, 1, 1)
	defRange(0x51, []string{"stind.ref", "stind.i1", "stind.i2", "stind.i4", "stind.i8", "stind.r4", "stind.r8"}, opNone, 2, 0)
	defRange(0x58, []string{"add", "sub", "mul", "div", "div.un", "rem", "rem.un", "and", "or", "xor", "shl", "shr", "shr.un"}, opNone, 2, 1)
	defRange(0x65, []string{"neg", "not", "conv.i1", "conv.i2", "conv.i4", "conv.i8", "conv.r4", "conv.r8", "conv.u4", "conv.u8"}, opNone, 1, 1)
	def(opCallvirt, "callvirt", opToken, varStack, varStack, flowCall)
	def(0x70, "cpobj", opToken, 2, 0, flowNext)
	def(0x71, "ldobj", opToken, 1, 1, flowNext)
	def(0x72, "ldstr", opToken, 0, 1, flowNext)
	def(opNewobj, "newobj", opToken, varStack, 1, flowCall)
	def(0x74, "castclass", opToken, 1, 1, flowNext)
	def(0x75, "isinst", opToken, 1, 1, flowNext)
	def(0x76, "conv.r.un", opNone, 1, 1, flowNext)
	def(0x79, "unbox", opToken, 1, 1, flowNext)
	def(0x7A, "throw", opNone, 1, 0, flowThrow)
	def(0x7B, "ldfld", opToken, 1, 1, flowNext)
	def(0x7C, "ldflda", opToken, 1, 1, flowNext)
	def(0x7D, "stfld", opToken, 2, 0, flowNext)
	def(0x7E, "ldsfld", opToken, 0, 1, flowNext)
	def(0x7F, "ldsflda", opToken, 0, 1, flowNext)
	def(0x80, "stsfld", opToken, 1, 0, flowNext)
	def(0x81, "stobj", opToken, 2, 0, flowNext)
	defRange(0x82, []string{"conv.ovf.i1.un", "conv.ovf.i2.un", "conv.ovf.i4.un", "conv.ovf.i8.un", "conv.ovf.u1.un", "conv.ovf.u2.un", "conv.ovf.u4.un", "conv.ovf.u8.un", "conv.ovf.i.un", "conv.ovf.u.un"}, opNone, 1, 1)
	def(0x8C, "box", opToken, 1, 1, flowNext)
	def(0x8D, "newarr", opToken, 1, 1, flowNext)
	def(0x8E, "ldlen", opNone, 1, 1, flowNext)
	def(0x8F, "ldelema", opToken, 2, 1, flowNext)
	defRange(0x90, []string{"ldelem.i1", "ldelem.u1", "ldelem.i2", "ldelem.u2", "ldelem.i4", "ldelem.u4", "ldelem.i8", "ldelem.i", "ldelem.r4", "ldelem.r8", "ldelem.ref"}, opNone, 2, 1)
	defRange(0x9B, []string{"stelem.i", "stelem.i1", "stelem.i2", "stelem.i4", "stelem.i8", "stelem.r4", "stelem.r8", "stelem.ref"}, opNone, 3, 0)
	def(0xA3, "ldelem", opToken, 2, 1, flowNext)
	def(0xA4, "stelem", opToken, 3, 0, flowNext)
	def(0xA5, "unbox.any", opToken, 1, 1, flowNext)
	defRange(0xB3, []string{"conv.ovf.i1", "conv.ovf.u1", "conv.ovf.i2", "conv.ovf.u2", "conv.ovf.i4", "conv.ovf.u4", "conv.ovf.i8", "conv.ovf.u8"}, opNone, 1, 1)
	def(0xC2, "refanyval", opToken, 1, 1, flowNext)
	def(0xC3, "ckfinite", opNone, 1, 1, flowNext)
	def(0xC6, "mkrefany", opToken, 1, 1, flowNext)
	def(0xD0, "ldtoken", opToken, 0, 1, flowNext)
	defRange(0xD1, []string{"conv.u2", "conv.u1", "conv.i", "conv.ovf.i", "conv.ovf.u"}, opNone, 1, 1)
	defRange(0xD6, []string{"add.ovf", "add.ovf.un", "mul.ovf", "mul.ovf.un", "sub.ovf", "sub.ovf.un"}, opNone, 2, 1)
	def(0xDC, "endfinally", opNone, 0, 0, flowReturn).popAll = true
	def(0xDD, "leave", opBranch, 0, 0, flowBranch).popAll = true
	def(0xDE, "leave.s", opShortBranch, 0, 0, flowBranch).popAll = true
	def(0xDF, "stind.i", opNone, 2, 0, flowNext)
	def(0xE0, "conv.u", opNone, 1, 1, flowNext)

	def(0xFE00, "arglist", opNone, 0, 1, flowNext)
	defRange(0xFE01, []string{"ceq", "cgt", "cgt.un", "clt", "clt.un"}, opNone, 2, 1)
	def(0xFE06, "ldftn", opToken, 0, 1, flowNext)
	def(0xFE07, "ldvirtftn", opToken, 1, 1, flowNext)
	defRange(0xFE09, []string{"ldarg", "ldarga"}, opShort, 0, 1)
	def(0xFE0B, "starg", opShort, 1, 0, flowNext)
	defRange(0xFE0C, []string{"ldloc", "ldloca"}, opShort, 0, 1)
	def(0xFE0E, "stloc", opShort, 1, 0, flowNext)
	def(0xFE0F, "localloc", opNone, 1, 1, flowNext)
	def(0xFE11, "endfilter", opNone, 1, 0, flowReturn)
	def(0xFE12, "unaligned.", opByte, 0, 0, flowNext)
	def(0xFE13, "volatile.", opNone, 0, 0, flowNext)
	def(0xFE14, "tail.", opNone, 0, 0, flowNext)
	def(0xFE15, "initobj", opToken, 1, 0, flowNext)
	def(0xFE16, "constrained.", opToken, 0, 0, flowNext)
	def(0xFE17, "cpblk", opNone, 3, 0, flowNext)
	def(0xFE18, "initblk", opNone, 3, 0, flowNext)
	def(0xFE19, "no.", opByte, 0, 0, flowNext)
	def(0xFE1A, "rethrow", opNone, 0, 0, flowThrow)
	def(0xFE1C, "sizeof", opToken, 0, 1, flowNext)
	def(0xFE1D, "refanytype", opNone, 1, 1, flowNext)
	def(0xFE1E, "readonly.", opNone, 0, 0, flowNext)
}

// Instruction is one decoded IL instruction.
type Instruction struct {
	Offset  uint32
	Size    uint32
	Name    string
	Operand uint64
	Targets []uint32

	op *opcode
}

// Opcode returns the numeric opcode, with two-byte opcodes in 0xFExx form.
func (in Instruction) Opcode() uint16 { return in.op.code }

// DecodeIL splits code into instructions and resolves branch targets to
// absolute offsets.
func DecodeIL(code []byte) ([]Instruction, error) {
	var out []Instruction
	pos := 0
	need := func(n int) error {
		if pos+n > len(code) {
			return fmt.Errorf("operand truncated at IL_%04x", pos)
		}
		return nil
	}
	for pos < len(code) {
		start := pos
		var op *opcode
		if code[pos] == opPrefix {
			if pos+1 >= len(code) {
				return nil, fmt.Errorf("truncated two-byte opcode at IL_%04x", pos)
			}
			op = twoByte[code[pos+1]]
			pos += 2
		} else {
			op = oneByte[code[pos]]
			pos++
		}
		if op == nil {
			return nil, fmt.Errorf("unknown opcode 0x%02x at IL_%04x", code[start], start)
		}

		in := Instruction{Offset: uint32(start), Name: op.name, op: op}
		switch op.operand {
		case opByte:
			if err := need(1); err != nil {
				return nil, err
			}
			in.Operand = uint64(code[pos])
			pos++
		case opShort:
			if err := need(2); err != nil {
				return nil, err
			}
			in.Operand = uint64(le.Uint16(code[pos:]))
			pos += 2
		case opWord, opToken:
			if err := need(4); err != nil {
				return nil, err
			}
			in.Operand = uint64(le.Uint32(code[pos:]))
			pos += 4
		case opLong:
			if err := need(8); err != nil {
				return nil, err
			}
			in.Operand = le.Uint64(code[pos:])
			pos += 8
		case opShortBranch:
			if err := need(1); err != nil {
				return nil, err
			}
			rel := int8(code[pos])
			pos++
			in.Targets = []uint32{uint32(pos + int(rel))}
		case opBranch:
			if err := need(4); err != nil {
				return nil, err
			}
			rel := int32(le.Uint32(code[pos:]))
			pos += 4
			in.Targets = []uint32{uint32(pos + int(rel))}
		case opSwitch:
			if err := need(4); err != nil {
				return nil, err
			}
			n := int(le.Uint32(code[pos:]))
			pos += 4
			if n < 0 || n > (len(code)-pos)/4 {
				return nil, fmt.Errorf("switch table truncated at IL_%04x", start)
			}
			base := pos + 4*n
			for i := 0; i < n; i++ {
				rel := int32(le.Uint32(code[pos+4*i:]))
				in.Targets = append(in.Targets, uint32(base+int(rel)))
			}
			pos = base
		}
		in.Size = uint32(pos - start)
		out = append(out, in)
	}
	return out, nil
}

var errNegativeStack = errors.New("evaluation stack underflow")
