package service

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/edvin/onionctl/internal/platform"
)

// List reconciles the registry against disk state and prints a status
// table for every record.
func (m *Manager) List(ctx context.Context) error {
	records, err := m.refresh()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(m.out, "No services registered.")
		return nil
	}

	w := tabwriter.NewWriter(m.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tMANAGED\tPORT\tADDRESS\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Name,
			rec.Status,
			managedLabel(rec.Name),
			rec.Port,
			orDash(rec.Address),
			rec.CreatedAt.Format("2006-01-02"),
		)
	}
	return w.Flush()
}

// Test reconciles, then actively probes every record's local web side and
// prints the combined view.
func (m *Manager) Test(ctx context.Context) error {
	records, err := m.refresh()
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(m.out, "No services registered.")
		return nil
	}

	w := tabwriter.NewWriter(m.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tMANAGED\tPORT\tWEB\tADDRESS")
	for _, rec := range records {
		web := probeWeb(ctx, rec.Port, m.cfg.ProbeTimeout)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Name,
			rec.Status,
			managedLabel(rec.Name),
			rec.Port,
			web,
			orDash(rec.Address),
		)
	}
	return w.Flush()
}

func managedLabel(name string) string {
	if platform.IsManagedName(name) {
		return "managed"
	}
	return "external"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
