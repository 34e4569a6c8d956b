// Package cleanup deletes the temporary image left by the unpacking path of
// the loader. The file stays mapped while the tool runs, so deletion is
// handed to a detached copy of the executable that waits for the tool's
// process to exit first.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/specialistvlad/slayer/internal/ctxlog"
)

// Command is the switch that turns the executable into the cleanup companion:
//
//	slayer --delete-native-image <pid> <path>
const Command = "--delete-native-image"

const (
	pollInterval  = 200 * time.Millisecond
	removeRetries = 10
)

// Scheduler arranges for path to be deleted after the current process exits.
type Scheduler interface {
	Schedule(ctx context.Context, path string) error
}

// ProcessScheduler starts the companion process and does not wait for it.
type ProcessScheduler struct {
	executable func() (string, error)
	start      func(*exec.Cmd) error
	pid        int
}

// NewProcessScheduler returns a scheduler that re-executes the running binary.
func NewProcessScheduler() *ProcessScheduler {
	return &ProcessScheduler{
		executable: os.Executable,
		start:      (*exec.Cmd).Start,
		pid:        os.Getpid(),
	}
}

// Schedule implements Scheduler.
func (s *ProcessScheduler) Schedule(ctx context.Context, path string) error {
	exe, err := s.executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	cmd := exec.Command(exe, Command, strconv.Itoa(s.pid), path)
	hideWindow(cmd)
	if err := s.start(cmd); err != nil {
		return fmt.Errorf("failed to start cleanup process: %w", err)
	}
	if cmd.Process != nil {
		ctxlog.FromContext(ctx).Debug("Cleanup process started.", "pid", cmd.Process.Pid, "path", path)
		_ = cmd.Process.Release()
	}
	return nil
}

// ParseArgs recognizes a companion invocation. ok is false when args are not
// a companion command at all.
func ParseArgs(args []string) (pid int, path string, ok bool, err error) {
	if len(args) == 0 || args[0] != Command {
		return 0, "", false, nil
	}
	if len(args) != 3 {
		return 0, "", true, fmt.Errorf("usage: %s <pid> <path>", Command)
	}
	pid, err = strconv.Atoi(args[1])
	if err != nil || pid <= 0 {
		return 0, "", true, fmt.Errorf("invalid pid %q", args[1])
	}
	if args[2] == "" {
		return 0, "", true, errors.New("empty path")
	}
	return pid, args[2], true, nil
}

// WaitAndRemove blocks until process pid has exited and then removes path.
// A missing file is not an error.
func WaitAndRemove(ctx context.Context, pid int, path string) error {
	if err := waitForExit(ctx, pid); err != nil {
		return fmt.Errorf("waiting for process %d: %w", pid, err)
	}
	var err error
	for attempt := 0; attempt < removeRetries; attempt++ {
		err = os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("failed to remove %s: %w", path, err)
}
