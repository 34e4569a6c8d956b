// Package pipeline holds the ordered set of protection-removal stages and
// decides which of them run.
//
// Stages are registered once at startup under a stable key. Command line and
// profile settings may toggle them through SetEnabled until the registry is
// frozen; Freeze returns the snapshot that Execute runs. Registration order is
// the execution order, whatever order the toggles arrived in.
package pipeline
