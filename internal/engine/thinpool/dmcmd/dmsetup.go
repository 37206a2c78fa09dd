// Package dmcmd shells out to dmsetup, grounded on the teacher's
// lvmd/command callLVM/wrapExecCommand pattern: build an *exec.Cmd, stream
// stdout, surface stderr on failure. The teacher threads its logger through
// controller-runtime's log.FromContext; since that package is out of scope
// here the logger travels as an explicit argument instead, matching the
// plain logr.Logger idiom used by the rest of this engine.
package dmcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

const dmsetup = "dmsetup"

// Runner executes dmsetup sub-commands. Production code uses Exec; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, log logr.Logger, args ...string) (string, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, log logr.Logger, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, dmsetup, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	log.V(1).Info("invoking dmsetup", "args", cmd.Args)
	if err := cmd.Start(); err != nil {
		return "", err
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fmt.Fprintln(&out, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return "", err
	}

	if err := cmd.Wait(); err != nil {
		return "", errors.New(dmErrToString(err))
	}
	return out.String(), nil
}

// dmErrToString surfaces stderr on an *exec.ExitError the way callLVM does,
// since the bare exit status carries no diagnostic information.
func dmErrToString(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out := exitErr.String()
		if len(exitErr.Stderr) > 0 {
			out += ": " + string(exitErr.Stderr)
		}
		return out
	}
	return err.Error()
}

// Status runs `dmsetup status <name>` and returns its single status line.
func Status(ctx context.Context, log logr.Logger, r Runner, name string) (string, error) {
	out, err := r.Run(ctx, log, "status", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Reload loads a new inactive table for name and swaps it in, the sequence
// dm-thin and linear cap-device table updates both require.
func Reload(ctx context.Context, log logr.Logger, r Runner, name, table string) error {
	if _, err := r.Run(ctx, log, "load", name, "--table", table); err != nil {
		return fmt.Errorf("load table: %w", err)
	}
	if _, err := r.Run(ctx, log, "resume", name); err != nil {
		return fmt.Errorf("resume after reload: %w", err)
	}
	return nil
}

// Create loads and activates name for the first time with the given table.
func Create(ctx context.Context, log logr.Logger, r Runner, name, table string) error {
	if _, err := r.Run(ctx, log, "create", name, "--table", table); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

// Remove tears down a device-mapper mapping.
func Remove(ctx context.Context, log logr.Logger, r Runner, name string) error {
	if _, err := r.Run(ctx, log, "remove", name); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
