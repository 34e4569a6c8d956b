// Package nops neutralizes junk IL that protectors sprinkle into method
// bodies: branches to the next instruction and values pushed only to be
// popped again. Instructions are overwritten with nop in place, so offsets,
// branch targets and exception clauses stay valid.
package nops

import (
	"context"
	"strings"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/pipeline"
)

// Key is the stage key.
const Key = "rem-nops"

const opNop = 0x00

// Module implements the pipeline.Module interface for this package.
type Module struct{}

// Stage folds junk instructions in every IL body.
type Stage struct{}

// Description implements pipeline.Stage.
func (Stage) Description() string { return "Fold junk branches and push/pop pairs into nops" }

// Execute implements pipeline.Stage.
func (Stage) Execute(ctx context.Context, target *loader.Loaded) error {
	logger := ctxlog.FromContext(ctx)
	total, methods := 0, 0
	for _, md := range target.Module.Methods {
		if md.Body == nil {
			continue
		}
		n, err := Fold(md.Body)
		if err != nil {
			logger.Debug("Skipping method.", "method", md.Name, "error", err)
			continue
		}
		if n > 0 {
			total += n
			methods++
		}
	}
	logger.Info("Junk instructions folded.", "instructions", total, "methods", methods)
	return nil
}

// Register registers the stage with the pipeline.
func (m *Module) Register(r *pipeline.Registry) {
	r.Register(Key, Stage{})
}

// pure are instructions that only push a value and have no side effect.
var pure = map[string]bool{
	"ldnull": true, "ldstr": true, "dup": true,
	"ldc.i4.m1": true, "ldc.i4.0": true, "ldc.i4.1": true, "ldc.i4.2": true,
	"ldc.i4.3": true, "ldc.i4.4": true, "ldc.i4.5": true, "ldc.i4.6": true,
	"ldc.i4.7": true, "ldc.i4.8": true, "ldc.i4.s": true, "ldc.i4": true,
	"ldc.i8": true, "ldc.r4": true, "ldc.r8": true,
	"ldarg.0": true, "ldarg.1": true, "ldarg.2": true, "ldarg.3": true, "ldarg.s": true,
	"ldloc.0": true, "ldloc.1": true, "ldloc.2": true, "ldloc.3": true, "ldloc.s": true,
}

// Fold rewrites junk in body.Code and returns the number of instructions
// replaced. The code length never changes.
func Fold(body *clr.MethodBody) (int, error) {
	instrs, err := clr.DecodeIL(body.Code)
	if err != nil {
		return 0, err
	}
	entries := entryPoints(body, instrs)

	folded := 0
	for i := 0; i < len(instrs); i++ {
		in := instrs[i]
		if i > 0 && isPrefix(instrs[i-1]) {
			continue
		}
		switch {
		case (in.Name == "br" || in.Name == "br.s") && in.Targets[0] == in.Offset+in.Size:
			blank(body.Code, in)
			folded++
		case pure[in.Name] && i+1 < len(instrs) && instrs[i+1].Name == "pop" && !entries[instrs[i+1].Offset]:
			blank(body.Code, in)
			blank(body.Code, instrs[i+1])
			folded += 2
			i++
		}
	}
	return folded, nil
}

// entryPoints returns every offset control can reach other than by falling
// through.
func entryPoints(body *clr.MethodBody, instrs []clr.Instruction) map[uint32]bool {
	out := map[uint32]bool{}
	for _, in := range instrs {
		for _, t := range in.Targets {
			out[t] = true
		}
	}
	for _, c := range body.Clauses {
		out[c.TryOffset] = true
		out[c.TryOffset+c.TryLength] = true
		out[c.HandlerOffset] = true
		out[c.HandlerOffset+c.HandlerLength] = true
		if c.Kind&clr.ClauseFilter != 0 {
			out[c.ClassTokenOrFilter] = true
		}
	}
	return out
}

func isPrefix(in clr.Instruction) bool { return strings.HasSuffix(in.Name, ".") }

func blank(code []byte, in clr.Instruction) {
	for i := in.Offset; i < in.Offset+in.Size; i++ {
		code[i] = opNop
	}
}
