// Package sysops wraps the OS facilities the tool depends on: the listening
// socket table, the service manager, and raw process signals. Everything
// else in the tree talks to the System interface so it can be tested
// without a live host.
package sysops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
)

// ErrNoServiceManager indicates no supported service manager was found on
// the host. This is fatal: without it the tor daemon cannot be reloaded.
var ErrNoServiceManager = errors.New("no supported service manager (systemctl) found")

// System is the seam between the tool and the host OS.
type System interface {
	// IsPortListening reports whether something on this host is already
	// listening on the TCP port.
	IsPortListening(port int) bool

	// ControlService runs a service-manager action ("reload", "restart",
	// "stop", ...) against the named unit.
	ControlService(ctx context.Context, action, unit string) error

	// ServiceActive reports whether the named unit is currently running.
	ServiceActive(ctx context.Context, unit string) bool

	// ProcessAlive reports whether a process with the given pid exists.
	ProcessAlive(pid int) bool

	// TerminateProcess sends SIGTERM to the given pid.
	TerminateProcess(pid int) error
}

// Local is the real System implementation, shelling out to systemctl and
// probing ports by attempting a local bind.
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a Local system facade.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("component", "sysops").Logger()}
}

// Detect verifies the host has a supported service manager. Returns
// ErrNoServiceManager when systemctl is absent.
func (l *Local) Detect() error {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return fmt.Errorf("%w: install systemd or manage tor manually", ErrNoServiceManager)
	}
	return nil
}

// IsPortListening attempts to bind the port on all interfaces; a failed
// bind means something already holds it. This is check-then-act against the
// kernel and inherently racy; callers must treat a later bind failure by
// the real server as an external process failure, not retry allocation.
func (l *Local) IsPortListening(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

// ControlService runs systemctl.
func (l *Local) ControlService(ctx context.Context, action, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", action, unit)
	l.logger.Debug().Strs("cmd", cmd.Args).Msg("executing systemctl")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s %s: %s: %w", action, unit, string(output), err)
	}
	return nil
}

// ServiceActive reports unit liveness via systemctl is-active.
func (l *Local) ServiceActive(ctx context.Context, unit string) bool {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", "--quiet", unit)
	return cmd.Run() == nil
}

// ProcessAlive checks pid existence with signal 0.
func (l *Local) ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// TerminateProcess sends SIGTERM.
func (l *Local) TerminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate process %d: %w", pid, err)
	}
	return nil
}
