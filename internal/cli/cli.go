package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/specialistvlad/slayer/internal/app"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/pipeline"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Options that take a string value rather than a bool.
const (
	optLogLevel  = "log-level"
	optLogFormat = "log-format"
	optProfile   = "profile"
)

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
// stages is only used for the usage text.
func Parse(args []string, output io.Writer, stages []pipeline.Entry) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	cfg := app.Config{}

	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !strings.HasPrefix(tok, "-") || tok == "-" {
			if cfg.InputPath == "" && isRegularFile(tok) {
				cfg.InputPath = tok
			} else {
				slog.Debug("Ignoring argument.", "arg", tok)
			}
			continue
		}

		name := strings.TrimLeft(tok, "-")
		switch name {
		case "h", "help":
			Usage(output, stages)
			return nil, true, nil
		case optLogLevel, optLogFormat, optProfile:
			if i+1 >= len(args) {
				return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("option --%s needs a value", name)}
			}
			i++
			switch name {
			case optLogLevel:
				cfg.LogLevel = strings.ToLower(args[i])
			case optLogFormat:
				cfg.LogFormat = strings.ToLower(args[i])
			case optProfile:
				cfg.ProfilePath = args[i]
			}
			continue
		}

		if i+1 >= len(args) {
			slog.Debug("Ignoring switch without value.", "name", name)
			continue
		}
		value, err := strconv.ParseBool(args[i+1])
		if err != nil {
			slog.Debug("Ignoring switch with non-boolean value.", "name", name, "value", args[i+1])
			continue
		}
		i++
		cfg.Toggles = append(cfg.Toggles, app.Toggle{Name: name, Value: value})
	}
	slog.Debug("Arguments scanned.", "toggles", len(cfg.Toggles))

	if cfg.LogFormat != "" && cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	validated, err := app.NewConfig(cfg)
	if err != nil {
		Usage(output, stages)
		return nil, false, &ExitError{Code: 2, Message: "No input files specified."}
	}
	slog.Debug("CLI parser finished successfully.", "input", validated.InputPath)
	return validated, false, nil
}

// Usage prints the help text, listing every stage key.
func Usage(output io.Writer, stages []pipeline.Entry) {
	fmt.Fprint(output, `
Slayer - removes protections from .NET modules.

Usage:
  slayer <input> [--<switch> <true|false>]...

Arguments:
  input
    Path to the .NET executable or library. The result is written next to
    it as <name>_Slayed<ext>.

Options:
  --log-level <level>     debug, info, warn or error (default info)
  --log-format <format>   text or json (default text)
  --profile <path>        HCL profile with defaults for every switch

Switches:
`)
	fmt.Fprintf(output, "  --%-20s %s\n", config.SwitchKeepStack, "Keep the original max stack values")
	fmt.Fprintf(output, "  --%-20s %s\n", config.SwitchPreserveAll, "Preserve all metadata streams")
	fmt.Fprintf(output, "  --%-20s %s\n", config.SwitchNoPause, "Do not wait for Enter before exiting")
	if len(stages) == 0 {
		return
	}
	fmt.Fprint(output, "\nStages (enabled by default):\n")
	for _, e := range stages {
		fmt.Fprintf(output, "  --%-20s %s\n", e.Key, e.Stage.Description())
	}
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
