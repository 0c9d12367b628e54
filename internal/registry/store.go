// Package registry persists service records in a flat, pipe-delimited text
// file. Every mutation re-reads the file, applies the change in memory, and
// commits it atomically by writing a temp file and renaming it over the
// original.
//
// Known limitation: there is no inter-process lock. Two concurrent
// invocations race on the read-modify-write cycle and the later writer wins.
// The tool is meant for single-operator use; do not script parallel runs
// against the same registry file.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/onionctl/internal/model"
)

const (
	// Delimiter separates record fields on a line. Field values must not
	// contain it; mutations reject such values instead of escaping them.
	Delimiter = "|"

	fieldCount = 7

	timeLayout = time.RFC3339
)

// header documents the schema at the top of a fresh registry file. Comment
// lines already present in an existing file are preserved verbatim.
var header = []string{
	"# onionctl service registry",
	"# name|directory|port|address|website_directory|status|created_at",
}

// Store reads and writes the registry file.
type Store struct {
	logger zerolog.Logger
	path   string
}

// NewStore creates a Store for the registry file at path.
func NewStore(logger zerolog.Logger, path string) *Store {
	return &Store{
		logger: logger.With().Str("component", "registry").Logger(),
		path:   path,
	}
}

// Path returns the registry file path.
func (s *Store) Path() string { return s.path }

// Load reads all service records. A missing file is an empty registry, not
// an error. Malformed lines are skipped with a warning so one corrupt line
// cannot take the whole registry down.
func (s *Store) Load() ([]model.ServiceRecord, error) {
	_, records, err := s.read()
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Find returns the record with the given name, or nil if absent.
func (s *Store) Find(name string) (*model.ServiceRecord, error) {
	records, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Name == name {
			return &records[i], nil
		}
	}
	return nil, nil
}

// Append adds a new record. The record's name must not already exist.
func (s *Store) Append(rec model.ServiceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	comments, records, err := s.read()
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.Name == rec.Name {
			return fmt.Errorf("record %q already exists", rec.Name)
		}
	}

	records = append(records, rec)
	return s.write(comments, records)
}

// Update applies fn to the named record and persists the result.
func (s *Store) Update(name string, fn func(*model.ServiceRecord)) error {
	comments, records, err := s.read()
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if records[i].Name == name {
			fn(&records[i])
			if err := validateRecord(records[i]); err != nil {
				return err
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("record %q not found", name)
	}

	return s.write(comments, records)
}

// Delete removes the named record. Deletion is permanent; there are no
// tombstones.
func (s *Store) Delete(name string) error {
	comments, records, err := s.read()
	if err != nil {
		return err
	}

	kept := records[:0]
	found := false
	for _, rec := range records {
		if rec.Name == name {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	if !found {
		return fmt.Errorf("record %q not found", name)
	}

	return s.write(comments, kept)
}

// read loads the registry file into its comment lines and parsed records.
func (s *Store) read() (comments []string, records []model.ServiceRecord, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return header, nil, nil
		}
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			comments = append(comments, line)
			continue
		}

		rec, perr := parseLine(trimmed)
		if perr != nil {
			s.logger.Warn().
				Int("line", lineNo).
				Err(perr).
				Msg("skipping malformed registry line")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read registry: %w", err)
	}

	// A file created out-of-band may lack the schema header; restore it
	// without touching whatever comments it does carry.
	hasHeader := false
	for _, c := range comments {
		if c == header[0] {
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		comments = append(append([]string{}, header...), comments...)
	}

	return comments, records, nil
}

// write commits the registry atomically: temp file in the same directory,
// then rename over the original.
func (s *Store) write(comments []string, records []model.ServiceRecord) error {
	var b strings.Builder
	for _, c := range comments {
		b.WriteString(c)
		b.WriteString("\n")
	}
	for _, rec := range records {
		b.WriteString(formatLine(rec))
		b.WriteString("\n")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp registry: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}

// parseLine decodes one record line.
func parseLine(line string) (model.ServiceRecord, error) {
	fields := strings.Split(line, Delimiter)
	if len(fields) != fieldCount {
		return model.ServiceRecord{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return model.ServiceRecord{}, fmt.Errorf("parse port %q: %w", fields[2], err)
	}

	status := fields[5]
	if !model.ValidStatus(status) {
		return model.ServiceRecord{}, fmt.Errorf("unknown status %q", status)
	}

	createdAt, err := time.Parse(timeLayout, fields[6])
	if err != nil {
		return model.ServiceRecord{}, fmt.Errorf("parse created_at %q: %w", fields[6], err)
	}

	return model.ServiceRecord{
		Name:             fields[0],
		Directory:        fields[1],
		Port:             port,
		Address:          fields[3],
		WebsiteDirectory: fields[4],
		Status:           status,
		CreatedAt:        createdAt,
	}, nil
}

// formatLine encodes one record as a registry line.
func formatLine(rec model.ServiceRecord) string {
	return strings.Join([]string{
		rec.Name,
		rec.Directory,
		strconv.Itoa(rec.Port),
		rec.Address,
		rec.WebsiteDirectory,
		rec.Status,
		rec.CreatedAt.UTC().Format(timeLayout),
	}, Delimiter)
}

// validateRecord rejects records the line format cannot represent.
func validateRecord(rec model.ServiceRecord) error {
	for _, f := range []struct{ name, value string }{
		{"name", rec.Name},
		{"directory", rec.Directory},
		{"address", rec.Address},
		{"website_directory", rec.WebsiteDirectory},
	} {
		if strings.Contains(f.value, Delimiter) {
			return fmt.Errorf("field %s contains reserved delimiter %q", f.name, Delimiter)
		}
		if strings.ContainsAny(f.value, "\r\n") {
			return fmt.Errorf("field %s contains a line break", f.name)
		}
	}
	if rec.Name == "" {
		return fmt.Errorf("record name is empty")
	}
	if !model.ValidStatus(rec.Status) {
		return fmt.Errorf("unknown status %q", rec.Status)
	}
	return nil
}
