// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates the argument list into the application's configuration.
//
// Arguments are scanned rather than parsed with the flag package: any
// "--name <bool>" or "-name <bool>" pair is accepted, since stage keys are
// only known to the application and unknown names must be ignored.
package cli
