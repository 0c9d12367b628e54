package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/edvin/onionctl/internal/model"
	"github.com/edvin/onionctl/internal/platform"
)

// Stop terminates the tracked local web server of a managed service.
// External services are rejected: the tool did not start their processes
// and has no business stopping them.
func (m *Manager) Stop(ctx context.Context, name string) error {
	rec, err := m.store.Find(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if !platform.IsManagedName(rec.Name) {
		return fmt.Errorf("%s: %w", name, ErrUnmanaged)
	}

	pid, err := m.readPID(rec.Name)
	if err != nil {
		fmt.Fprintf(m.out, "No tracked process for %s.\n", rec.Name)
		return nil
	}

	if m.sys.ProcessAlive(pid) {
		if err := m.sys.TerminateProcess(pid); err != nil {
			return fmt.Errorf("stop %s: %w", rec.Name, err)
		}
		m.logger.Info().Str("service", rec.Name).Int("pid", pid).Msg("web server stopped")
	} else {
		m.logger.Debug().Str("service", rec.Name).Int("pid", pid).Msg("tracked process already gone")
	}

	if err := os.Remove(m.pidFile(rec.Name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pid file: %w", err)
	}

	fmt.Fprintf(m.out, "Stopped %s.\n", rec.Name)
	return nil
}

// Remove deletes one or more services. namesArg is a comma- or
// space-separated list. Unknown names are reported but do not abort the
// batch; each valid service is processed independently, and tor is
// reloaded exactly once at the end. Removal is irreversible: the onion
// address lives in the deleted keys.
func (m *Manager) Remove(ctx context.Context, namesArg string) error {
	names := splitNames(namesArg)
	if len(names) == 0 {
		return fmt.Errorf("no service names given")
	}

	records, err := m.store.Load()
	if err != nil {
		return err
	}
	byName := make(map[string]model.ServiceRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	var valid []model.ServiceRecord
	var missing []string
	for _, name := range names {
		if rec, ok := byName[name]; ok {
			valid = append(valid, rec)
		} else {
			missing = append(missing, name)
			fmt.Fprintf(m.out, "Service %s not found in registry.\n", name)
		}
	}

	if len(valid) == 0 {
		return fmt.Errorf("%s: %w", strings.Join(missing, ", "), ErrNotFound)
	}

	m.printRemovePreview(valid)

	if !m.confirm(fmt.Sprintf("Permanently delete %d service(s), their directories, and their torrc blocks?", len(valid))) {
		fmt.Fprintln(m.out, "Aborted.")
		return nil
	}
	if !m.confirm("The .onion identities will be destroyed and cannot be recovered. Really proceed?") {
		fmt.Fprintln(m.out, "Aborted.")
		return nil
	}

	var failed []string
	for _, rec := range valid {
		if err := m.removeOne(ctx, rec); err != nil {
			m.logger.Error().Err(err).Str("service", rec.Name).Msg("removal failed")
			failed = append(failed, rec.Name)
		}
	}

	// One reload for the whole batch, regardless of per-item outcomes.
	if err := m.sys.ControlService(ctx, "reload", m.cfg.TorUnit); err != nil {
		m.logger.Warn().Err(err).Msg("tor reload after removal failed")
	}

	failed = append(failed, missing...)
	succeeded := len(names) - len(failed)
	fmt.Fprintf(m.out, "Removed %d service(s), %d failed.\n", succeeded, len(failed))
	if len(failed) > 0 {
		fmt.Fprintf(m.out, "Failed: %s\n", strings.Join(failed, ", "))
		return fmt.Errorf("%d of %d removals failed", len(failed), len(names))
	}
	return nil
}

// printRemovePreview shows what the batch will touch before the operator
// confirms it.
func (m *Manager) printRemovePreview(recs []model.ServiceRecord) {
	dirs, websites, managed := 0, 0, 0
	for _, rec := range recs {
		if rec.Directory != "" {
			dirs++
		}
		if rec.WebsiteDirectory != "" {
			websites++
		}
		if platform.IsManagedName(rec.Name) {
			managed++
		}
	}
	fmt.Fprintf(m.out, "About to remove %d service(s): %d service directories, %d website directories, %d managed.\n",
		len(recs), dirs, websites, managed)
}

// removeOne tears down a single service: stop its tracked process, strip
// its torrc block (backup taken by the editor), delete its directories,
// and drop the registry record. The tor reload happens in Remove, once per
// batch.
func (m *Manager) removeOne(ctx context.Context, rec model.ServiceRecord) error {
	if platform.IsManagedName(rec.Name) {
		if pid, err := m.readPID(rec.Name); err == nil && m.sys.ProcessAlive(pid) {
			if err := m.sys.TerminateProcess(pid); err != nil {
				m.logger.Warn().Err(err).Str("service", rec.Name).Msg("could not stop web server")
			}
		}
	}

	removed, err := m.torrc.RemoveService(rec.Name)
	if err != nil {
		return fmt.Errorf("strip torrc block: %w", err)
	}
	if !removed {
		m.logger.Debug().Str("service", rec.Name).Msg("no torrc block to remove")
	}

	// Delete both the recorded paths and the conventional ones; they can
	// drift apart when the registry was edited by hand.
	dirs := map[string]bool{}
	if rec.Directory != "" {
		dirs[rec.Directory] = true
	}
	if rec.WebsiteDirectory != "" {
		dirs[rec.WebsiteDirectory] = true
	}
	if platform.IsManagedName(rec.Name) {
		dirs[m.serviceDir(rec.Name)] = true
		dirs[m.websiteDir(rec.Name)] = true
	}
	for dir := range dirs {
		if err := m.removeDir(dir); err != nil {
			return err
		}
	}

	if err := m.store.Delete(rec.Name); err != nil {
		return fmt.Errorf("delete registry record: %w", err)
	}

	m.logger.Info().Str("service", rec.Name).Msg("service removed")
	return nil
}

// removeDir deletes a directory tree after a sanity check on the path. The
// check guards against a corrupted registry pointing the deletion at "/"
// or some shallow system path.
func (m *Manager) removeDir(dir string) error {
	if !safeToRemove(dir) {
		return fmt.Errorf("refusing to remove suspicious path %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// safeToRemove requires an absolute, traversal-free path at least three
// components deep.
func safeToRemove(path string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(clean, string(filepath.Separator)), string(filepath.Separator))
	return len(parts) >= 3
}

// readPID reads the tracked web server pid for a managed service.
func (m *Manager) readPID(name string) (int, error) {
	data, err := os.ReadFile(m.pidFile(name))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// splitNames parses a comma- or whitespace-separated name list.
func splitNames(arg string) []string {
	return strings.FieldsFunc(arg, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}
