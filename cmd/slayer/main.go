package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/slayer/internal/app"
	"github.com/specialistvlad/slayer/internal/cleanup"
	"github.com/specialistvlad/slayer/internal/cli"
	"github.com/specialistvlad/slayer/internal/config"
	"github.com/specialistvlad/slayer/internal/hcl"
)

// main is the entrypoint for the slayer application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Warn("Ignoring .env file.", "error", err)
	}

	// The real main function handles errors and exit codes.
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) (err error) {
	if pid, path, ok, perr := cleanup.ParseArgs(args); ok {
		if perr != nil {
			return &cli.ExitError{Code: 2, Message: perr.Error()}
		}
		return cleanup.WaitAndRemove(context.Background(), pid, path)
	}

	// Registering stages panics on programmer errors; report them cleanly.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application startup panicked: %v", r)
		}
	}()

	appConfig, shouldExit, err := cli.Parse(args, outW, app.AvailableStages())
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	slayer, err := app.NewApp(outW, appConfig, hcl.NewLoader())
	if err != nil {
		return err
	}
	return slayer.Run(context.Background())
}
