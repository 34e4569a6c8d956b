package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// DestSuffix is inserted before the extension of the output file name.
const DestSuffix = "_Slayed"

// ErrInvalidInput means no existing input file was supplied.
var ErrInvalidInput = errors.New("no existing input file")

// Run describes one conversion. It is built once per run and passed by value,
// so the writer sees the flags as they were when the run began.
type Run struct {
	SourcePath     string
	// SourceFileName is the input's file name without its extension.
	SourceFileName string
	SourceExt      string
	SourceDir      string
	DestPath       string
	DestFileName   string

	PreserveAll     bool
	KeepOldMaxStack bool
	NoPause         bool
}

// NewRun validates that path names an existing regular file and derives
// the run from it.
func NewRun(path string) (Run, error) {
	if path == "" {
		return Run{}, ErrInvalidInput
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !fi.Mode().IsRegular() {
		return Run{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, path)
	}
	return Derive(path), nil
}

// Derive computes the naming fields of a Run from path without touching the
// filesystem. The directory separator of the result is the one path uses,
// so Windows paths derive the same way on every platform.
func Derive(path string) Run {
	dir, name, sep := "", path, ""
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		dir, name, sep = path[:i], path[i+1:], path[i:i+1]
	}
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		ext = name[i:]
	}
	stem := strings.TrimSuffix(name, ext)
	destName := stem + DestSuffix + ext

	r := Run{
		SourcePath:     path,
		SourceFileName: stem,
		SourceExt:      ext,
		SourceDir:      dir,
		DestFileName:   destName,
		DestPath:       destName,
	}
	if sep != "" {
		r.DestPath = dir + sep + destName
	}
	return r
}

// WithSettings copies the writer and pause switches from s.
func (r Run) WithSettings(s Settings) Run {
	r.PreserveAll = s.PreserveAll
	r.KeepOldMaxStack = s.KeepOldMaxStack
	r.NoPause = s.NoPause
	return r
}
