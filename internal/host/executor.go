// Package host runs commands on the robot's own operating system.
package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/monitoring"
)

// DefaultShutdownCommand powers the board off.
const DefaultShutdownCommand = "shutdown -h now"

// Executor runs shell commands locally.
type Executor struct {
	// DryRun logs commands instead of running them.
	DryRun bool
	// Timeout bounds a single command; zero means no limit.
	Timeout time.Duration
}

// Run executes command through sh and returns its combined output.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("empty command")
	}
	if e.DryRun {
		return fmt.Sprintf("[DRY-RUN] Would execute: %s", command), nil
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	monitoring.Debugf("Executing: %s", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	// children of sh may hold the output pipe after sh is killed
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		monitoring.Debugf("Command failed: %v, output: %s", err, output)
		return string(output), fmt.Errorf("%s: %w", command, err)
	}
	return string(output), nil
}

// RunSudo executes command with sudo.
func (e *Executor) RunSudo(ctx context.Context, command string) (string, error) {
	return e.Run(ctx, "sudo "+command)
}

// Shutdown powers the board off with command, or DefaultShutdownCommand.
func (e *Executor) Shutdown(ctx context.Context, command string) error {
	if command == "" {
		command = DefaultShutdownCommand
	}
	monitoring.Logf("Shutting down: %s", command)
	out, err := e.RunSudo(ctx, command)
	if err != nil {
		return fmt.Errorf("shutdown: %w (%s)", err, strings.TrimSpace(out))
	}
	return nil
}
