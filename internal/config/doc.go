// Package config defines the run-scoped configuration of the tool and the
// format-agnostic profile model.
//
// A Run describes one conversion: where the input is and where the result
// goes. Settings hold everything else and are layered: built-in defaults,
// then the environment, then a profile file, then the command line. Concrete
// profile formats live in separate packages and implement ProfileLoader.
package config
