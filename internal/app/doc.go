// Package app wires the tool together. NewApp merges configuration from
// defaults, environment, profile and command line, builds the stage registry
// and the loader; Run performs one conversion: derive the run, load the
// module, execute the enabled stages, save, and optionally publish.
package app
