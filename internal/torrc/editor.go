package torrc

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const backupTimeLayout = "20060102-150405"

// Editor applies block edits to the torrc file on disk, taking a
// timestamped backup before every destructive change.
type Editor struct {
	logger zerolog.Logger
	path   string

	now func() time.Time
}

// NewEditor creates an Editor for the torrc at path.
func NewEditor(logger zerolog.Logger, path string) *Editor {
	return &Editor{
		logger: logger.With().Str("component", "torrc").Logger(),
		path:   path,
		now:    time.Now,
	}
}

// Path returns the torrc file path.
func (e *Editor) Path() string { return e.path }

// Read returns the current torrc text. A missing file reads as empty.
func (e *Editor) Read() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read torrc: %w", err)
	}
	return string(data), nil
}

// Backup copies the torrc to a timestamped sibling file and returns the
// backup path. A missing torrc needs no backup.
func (e *Editor) Backup() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read torrc for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.bak.%s", e.path, e.now().Format(backupTimeLayout))
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write torrc backup: %w", err)
	}

	e.logger.Debug().Str("backup", backupPath).Msg("torrc backed up")
	return backupPath, nil
}

// AddService backs up the torrc and appends a managed block for the
// service.
func (e *Editor) AddService(name, dir string, publicPort, localPort int) error {
	text, err := e.Read()
	if err != nil {
		return err
	}
	if _, err := e.Backup(); err != nil {
		return err
	}

	doc := Parse(text)
	if doc.HasService(name) {
		return fmt.Errorf("torrc already has a block for %q", name)
	}
	doc.AppendService(name, dir, publicPort, localPort)

	if err := os.WriteFile(e.path, []byte(doc.Render()), 0644); err != nil {
		return fmt.Errorf("write torrc: %w", err)
	}

	e.logger.Info().Str("service", name).Int("port", localPort).Msg("torrc block added")
	return nil
}

// RemoveService backs up the torrc and removes the service's managed
// block. Returns false when no block for the service exists; the file is
// left untouched and no backup is taken.
func (e *Editor) RemoveService(name string) (bool, error) {
	text, err := e.Read()
	if err != nil {
		return false, err
	}

	doc := Parse(text)
	if !doc.RemoveService(name) {
		return false, nil
	}

	if _, err := e.Backup(); err != nil {
		return false, err
	}
	if err := os.WriteFile(e.path, []byte(doc.Render()), 0644); err != nil {
		return false, fmt.Errorf("write torrc: %w", err)
	}

	e.logger.Info().Str("service", name).Msg("torrc block removed")
	return true, nil
}
