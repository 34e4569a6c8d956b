package app

import (
	"github.com/specialistvlad/slayer/internal/pipeline"
	"github.com/specialistvlad/slayer/modules/nops"
	"github.com/specialistvlad/slayer/modules/streams"
	"github.com/specialistvlad/slayer/modules/strongname"
)

// coreModules is the definitive list of stages compiled into the binary, in
// execution order.
var coreModules = []pipeline.Module{
	&strongname.Module{},
	&streams.Module{},
	&nops.Module{},
}

// AvailableStages lists the stages of modules, or of the built-in modules
// when none are given, in execution order.
func AvailableStages(modules ...pipeline.Module) []pipeline.Entry {
	return newRegistry(modules).Entries()
}

func newRegistry(modules []pipeline.Module) *pipeline.Registry {
	if len(modules) == 0 {
		modules = coreModules
	}
	reg := pipeline.New()
	for _, mod := range modules {
		mod.Register(reg)
	}
	return reg
}
