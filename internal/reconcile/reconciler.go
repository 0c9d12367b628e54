// Package reconcile synchronizes registry records with the ground truth
// tor leaves on disk. The hostname file inside a service's directory is the
// only authoritative signal that the service's identity exists: record
// status and address follow it, never the other way around.
package reconcile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/onionctl/internal/model"
)

// HostnameFile is the identity file tor writes into a hidden service
// directory once the service's keys are generated.
const HostnameFile = "hostname"

// Change records one field adjustment made during reconciliation.
type Change struct {
	Service string
	Action  string // "activated" or "deactivated"
	Detail  string
}

// Reconcile returns a copy of records with status and address synced to
// the filesystem, plus the list of changes applied. It is a pure function
// of records and disk state: running it twice against unchanged disk state
// yields the same result and an empty change list the second time.
func Reconcile(logger zerolog.Logger, records []model.ServiceRecord) ([]model.ServiceRecord, []Change) {
	log := logger.With().Str("component", "reconciler").Logger()

	out := make([]model.ServiceRecord, len(records))
	copy(out, records)

	var changes []Change
	for i := range out {
		rec := &out[i]
		address := readHostname(rec.Directory)

		switch {
		case address != "":
			if rec.Status == model.StatusActive && rec.Address == address {
				continue
			}
			rec.Status = model.StatusActive
			rec.Address = address
			changes = append(changes, Change{
				Service: rec.Name,
				Action:  "activated",
				Detail:  "hostname file present",
			})
			log.Debug().Str("service", rec.Name).Str("address", address).Msg("record activated")

		case rec.Status == model.StatusActive:
			rec.Status = model.StatusInactive
			rec.Address = ""
			changes = append(changes, Change{
				Service: rec.Name,
				Action:  "deactivated",
				Detail:  "hostname file missing",
			})
			log.Debug().Str("service", rec.Name).Msg("record deactivated")
		}
	}

	return out, changes
}

// readHostname returns the trimmed content of the service directory's
// hostname file, or "" when the file is missing or empty.
func readHostname(dir string) string {
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, HostnameFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
