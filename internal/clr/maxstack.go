package clr

import "fmt"

// CallSignature returns the signature of the method referenced by token, which
// may be a MethodDef, MemberRef, MethodSpec or StandAloneSig token.
func (m *Module) CallSignature(token uint32) (MethodSig, error) {
	tok := parseToken(token)
	var col int
	switch tok.Table {
	case TableMethodDef:
		col = 4
	case TableMemberRef:
		col = 2
	case TableStandAloneSig:
		col = 0
	case TableMethodSpec:
		v, err := m.tables.Table(TableMethodSpec).Column(tok.RID, 0)
		if err != nil {
			return MethodSig{}, fmt.Errorf("token 0x%08x: %w", token, err)
		}
		inner, err := decodeCoded(cMethodDefOrRef, v)
		if err != nil {
			return MethodSig{}, fmt.Errorf("token 0x%08x: %w", token, err)
		}
		return m.CallSignature(inner.Value())
	default:
		return MethodSig{}, fmt.Errorf("token 0x%08x does not reference a method", token)
	}
	idx, err := m.tables.Table(tok.Table).Column(tok.RID, col)
	if err != nil {
		return MethodSig{}, fmt.Errorf("token 0x%08x: %w", token, err)
	}
	blob, err := m.heaps.blobAt(idx)
	if err != nil {
		return MethodSig{}, fmt.Errorf("token 0x%08x: %w", token, err)
	}
	return parseMethodSig(blob)
}

// MaxStack simulates the evaluation stack over md's IL and returns the
// deepest point reached. Handler entries start at depth 1 for catch and
// filter blocks and 0 otherwise; leave and endfinally empty the stack.
func (m *Module) MaxStack(md *MethodDef) (uint16, error) {
	if md.Body == nil {
		return 0, fmt.Errorf("method %s has no IL body", md.Name)
	}
	instrs, err := DecodeIL(md.Body.Code)
	if err != nil {
		return 0, fmt.Errorf("method %s: %w", md.Name, err)
	}

	heights := make(map[uint32]int)
	for _, c := range md.Body.Clauses {
		heights[c.TryOffset] = 0
		switch {
		case c.Kind&ClauseFilter != 0:
			heights[c.ClassTokenOrFilter] = 1
			heights[c.HandlerOffset] = 1
		case c.Kind&(ClauseFinally|ClauseFault) != 0:
			heights[c.HandlerOffset] = 0
		default:
			heights[c.HandlerOffset] = 1
		}
	}

	var mismatch error
	merge := func(off uint32, h int) {
		prev, ok := heights[off]
		if !ok {
			heights[off] = h
			return
		}
		if prev != h && mismatch == nil {
			mismatch = fmt.Errorf("method %s: stack height mismatch at IL_%04x (%d vs %d)", md.Name, off, prev, h)
		}
	}

	stack, maxStack := 0, 0
	reset := false
	for _, in := range instrs {
		if h, ok := heights[in.Offset]; ok {
			if !reset && h != stack && mismatch == nil {
				mismatch = fmt.Errorf("method %s: stack height mismatch at IL_%04x (%d vs %d)", md.Name, in.Offset, h, stack)
			}
			stack = h
		} else {
			if reset {
				stack = 0
			}
			heights[in.Offset] = stack
		}
		reset = false
		maxStack = max(maxStack, stack)

		pops, pushes, err := m.stackEffect(md, in)
		if err != nil {
			return 0, err
		}
		if in.op.popAll {
			stack = 0
		} else {
			stack -= pops
		}
		if stack < 0 {
			return 0, fmt.Errorf("method %s: %w at IL_%04x (%s)", md.Name, errNegativeStack, in.Offset, in.Name)
		}
		stack += pushes
		maxStack = max(maxStack, stack)

		switch in.op.flow {
		case flowBranch:
			for _, t := range in.Targets {
				merge(t, stack)
			}
			reset = true
		case flowCond:
			for _, t := range in.Targets {
				merge(t, stack)
			}
		case flowReturn, flowThrow:
			reset = true
		case flowCall:
			if in.op.code == opJmp {
				reset = true
			}
		}
	}
	if mismatch != nil {
		return 0, mismatch
	}
	if maxStack > 0xFFFF {
		return 0, fmt.Errorf("method %s: stack depth %d does not fit the header", md.Name, maxStack)
	}
	return uint16(maxStack), nil
}

func (m *Module) stackEffect(md *MethodDef, in Instruction) (pops, pushes int, err error) {
	op := in.op
	pops, pushes = op.pop, op.push
	switch op.code {
	case opCall, opCallvirt, opCalli, opNewobj:
		sig, err := m.CallSignature(uint32(in.Operand))
		if err != nil {
			return 0, 0, fmt.Errorf("method %s IL_%04x %s: %w", md.Name, in.Offset, in.Name, err)
		}
		switch op.code {
		case opNewobj:
			pops, pushes = sig.Params, 1
		case opCalli:
			pops, pushes = sig.Pops()+1, sig.Pushes()
		default:
			pops, pushes = sig.Pops(), sig.Pushes()
		}
	case opRet:
		pops = 0
		if !md.Signature.ReturnsVoid {
			pops = 1
		}
	}
	return pops, pushes, nil
}
