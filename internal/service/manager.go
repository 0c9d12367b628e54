// Package service implements the service lifecycle: create, list, test,
// stop, and remove. The Manager composes the registry store, the torrc
// editor, the reconciler, and the system facade into the user-facing
// operations.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/onionctl/internal/config"
	"github.com/edvin/onionctl/internal/model"
	"github.com/edvin/onionctl/internal/platform"
	"github.com/edvin/onionctl/internal/ports"
	"github.com/edvin/onionctl/internal/reconcile"
	"github.com/edvin/onionctl/internal/registry"
	"github.com/edvin/onionctl/internal/sysops"
	"github.com/edvin/onionctl/internal/torrc"
)

var (
	// ErrNotFound is returned when a named service has no registry record.
	ErrNotFound = errors.New("service not found")
	// ErrUnmanaged is returned for operations that only apply to services
	// this tool created.
	ErrUnmanaged = errors.New("service is not managed by this tool")
	// ErrExternalProcess is returned when tor fails to start a service or
	// never emits its identity file.
	ErrExternalProcess = errors.New("external process failure")
)

// ConfirmFunc asks the operator a yes/no question.
type ConfirmFunc func(prompt string) bool

// Manager orchestrates service lifecycle operations.
type Manager struct {
	logger zerolog.Logger
	cfg    *config.Config
	store  *registry.Store
	torrc  *torrc.Editor
	sys    sysops.System

	out     io.Writer
	confirm ConfirmFunc
}

// NewManager creates a Manager. Output goes to stdout and confirmations
// are read from stdin unless overridden.
func NewManager(logger zerolog.Logger, cfg *config.Config, store *registry.Store, editor *torrc.Editor, sys sysops.System) *Manager {
	m := &Manager{
		logger: logger.With().Str("component", "lifecycle").Logger(),
		cfg:    cfg,
		store:  store,
		torrc:  editor,
		sys:    sys,
		out:    os.Stdout,
	}
	m.confirm = m.stdinConfirm
	return m
}

// SetOutput redirects user-facing output.
func (m *Manager) SetOutput(w io.Writer) { m.out = w }

// SetConfirm replaces the confirmation prompt, e.g. with an always-yes
// function for --yes or a scripted answer in tests.
func (m *Manager) SetConfirm(fn ConfirmFunc) { m.confirm = fn }

func (m *Manager) stdinConfirm(prompt string) bool {
	fmt.Fprintf(m.out, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// serviceDir is the conventional hidden-service directory for a managed
// service name.
func (m *Manager) serviceDir(name string) string {
	return filepath.Join(m.cfg.DataDir, name)
}

// websiteDir is the conventional local web content directory for a managed
// service name.
func (m *Manager) websiteDir(name string) string {
	return filepath.Join(m.cfg.WebsiteDir, name)
}

// pidFile tracks the local web server process for a managed service.
func (m *Manager) pidFile(name string) string {
	return filepath.Join(m.websiteDir(name), "web.pid")
}

// Create provisions a new onion service: unique name, free local port,
// registry record, torrc block, tor reload, then a bounded wait for tor to
// emit the service's identity.
func (m *Manager) Create(ctx context.Context) error {
	records, err := m.store.Load()
	if err != nil {
		return err
	}

	torrcText, err := m.torrc.Read()
	if err != nil {
		return err
	}

	name, err := platform.GenerateUniqueName(records, torrcText, func(candidate string) bool {
		if _, err := os.Stat(m.serviceDir(candidate)); err == nil {
			return true
		}
		_, err := os.Stat(m.websiteDir(candidate))
		return err == nil
	}, platform.MaxNameAttempts)
	if err != nil {
		return err
	}

	busy := make(map[int]bool, len(records))
	for _, rec := range records {
		busy[rec.Port] = true
	}
	port, err := ports.Allocate(m.sys, m.cfg.BasePort, busy)
	if err != nil {
		return err
	}

	serviceDir := m.serviceDir(name)
	websiteDir := m.websiteDir(name)

	m.logger.Info().
		Str("service", name).
		Int("port", port).
		Str("dir", serviceDir).
		Msg("provisioning service")

	// Tor requires the hidden service directory to be private.
	if err := os.MkdirAll(serviceDir, 0700); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}
	if err := os.MkdirAll(websiteDir, 0755); err != nil {
		return fmt.Errorf("create website dir: %w", err)
	}

	rec := model.ServiceRecord{
		Name:             name,
		Directory:        serviceDir,
		Port:             port,
		WebsiteDirectory: websiteDir,
		Status:           model.StatusInactive,
		CreatedAt:        time.Now(),
	}
	if err := m.store.Append(rec); err != nil {
		return err
	}

	if err := m.torrc.AddService(name, serviceDir, m.cfg.PublicPort, port); err != nil {
		return err
	}

	if err := m.sys.ControlService(ctx, "reload", m.cfg.TorUnit); err != nil {
		m.markError(name)
		return fmt.Errorf("reload tor: %v: %w", err, ErrExternalProcess)
	}

	address, err := m.waitForHostname(ctx, serviceDir)
	if err != nil {
		m.markError(name)
		m.printDiagnostics(name, serviceDir)
		return err
	}

	if err := m.store.Update(name, func(r *model.ServiceRecord) {
		r.Status = model.StatusActive
		r.Address = address
	}); err != nil {
		return err
	}

	fmt.Fprintf(m.out, "Service %s is live.\n", name)
	fmt.Fprintf(m.out, "  Address:     %s\n", address)
	fmt.Fprintf(m.out, "  Local port:  %d\n", port)
	fmt.Fprintf(m.out, "  Website dir: %s\n", websiteDir)
	return nil
}

// waitForHostname polls for the identity file tor writes once the service
// keys exist. The wait is bounded and aborts early when the tor unit dies,
// so a crashed daemon fails fast instead of burning the full timeout.
func (m *Manager) waitForHostname(ctx context.Context, dir string) (string, error) {
	hostnamePath := filepath.Join(dir, reconcile.HostnameFile)

	for attempt := 0; attempt < m.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}

		if data, err := os.ReadFile(hostnamePath); err == nil {
			if address := strings.TrimSpace(string(data)); address != "" {
				return address, nil
			}
		}

		if !m.sys.ServiceActive(ctx, m.cfg.TorUnit) {
			return "", fmt.Errorf("tor unit %q exited while waiting for identity: %w", m.cfg.TorUnit, ErrExternalProcess)
		}
	}

	return "", fmt.Errorf("no identity file after %d polls: %w", m.cfg.PollAttempts, ErrExternalProcess)
}

// markError persists an error status, best effort.
func (m *Manager) markError(name string) {
	if err := m.store.Update(name, func(r *model.ServiceRecord) {
		r.Status = model.StatusError
	}); err != nil {
		m.logger.Warn().Err(err).Str("service", name).Msg("failed to persist error status")
	}
}

// printDiagnostics tells the operator where to look when tor never emitted
// the identity file.
func (m *Manager) printDiagnostics(name, dir string) {
	fmt.Fprintf(m.out, "Service %s did not come up. To investigate:\n", name)
	fmt.Fprintf(m.out, "  journalctl -u %s -n 50\n", m.cfg.TorUnit)
	fmt.Fprintf(m.out, "  ls -la %s\n", dir)
	fmt.Fprintf(m.out, "  grep -A2 '%s' %s\n", name, m.torrc.Path())
}

// Discover adopts hidden services declared in the torrc outside managed
// blocks as unmanaged registry records, so the tool can report on services
// created out-of-band.
func (m *Manager) Discover() error {
	records, err := m.store.Load()
	if err != nil {
		return err
	}

	torrcText, err := m.torrc.Read()
	if err != nil {
		return err
	}

	knownDirs := make(map[string]bool, len(records))
	knownNames := make(map[string]bool, len(records))
	for _, rec := range records {
		knownDirs[rec.Directory] = true
		knownNames[rec.Name] = true
	}

	for _, ext := range torrc.Parse(torrcText).ExternalServices() {
		if knownDirs[ext.Dir] {
			continue
		}
		name := filepath.Base(ext.Dir)
		if knownNames[name] {
			m.logger.Warn().
				Str("service", name).
				Str("dir", ext.Dir).
				Msg("external service name collides with a registry record, skipping")
			continue
		}

		rec := model.ServiceRecord{
			Name:      name,
			Directory: ext.Dir,
			Port:      ext.LocalPort(),
			Status:    model.StatusInactive,
			CreatedAt: time.Now(),
		}
		if err := m.store.Append(rec); err != nil {
			m.logger.Warn().Err(err).Str("service", name).Msg("failed to adopt external service")
			continue
		}
		knownNames[name] = true
		m.logger.Info().Str("service", name).Str("dir", ext.Dir).Msg("adopted external service")
	}

	return nil
}

// refresh runs discovery and reconciliation and persists any resulting
// record changes. It returns the up-to-date record list.
func (m *Manager) refresh() ([]model.ServiceRecord, error) {
	if err := m.Discover(); err != nil {
		return nil, err
	}

	records, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	reconciled, changes := reconcile.Reconcile(m.logger, records)
	for _, ch := range changes {
		idx := -1
		for i := range reconciled {
			if reconciled[i].Name == ch.Service {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		updated := reconciled[idx]
		if err := m.store.Update(ch.Service, func(r *model.ServiceRecord) {
			r.Status = updated.Status
			r.Address = updated.Address
		}); err != nil {
			m.logger.Warn().Err(err).Str("service", ch.Service).Msg("failed to persist reconciled state")
		}
	}

	return reconciled, nil
}
