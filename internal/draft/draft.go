// Package draft manages the single-slot review lifecycle. An analysis run
// ends in a draft; nothing reaches the registry until an operator approves
// it, and no new run may start while one is pending.
package draft

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/store"
	"personaforge/internal/types"
)

// Manager wraps the store's draft slot with the lifecycle rules.
type Manager struct {
	store *store.Store
}

// NewManager creates a draft manager over the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Pending returns the current draft, or ok=false when the slot is empty.
func (m *Manager) Pending() (*types.Draft, bool, error) {
	d, err := m.store.GetDraft()
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return d, true, nil
}

// Create stores a new draft. ConflictError when one is already pending.
func (m *Manager) Create(d *types.Draft) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := m.store.CreateDraft(d); err != nil {
		return err
	}
	logging.Draft("run %s: draft pending review (%d personas, %d failed clusters)",
		d.RunID, len(d.MergedPersonas), len(d.ErrorsByCluster))
	return nil
}

// Reject discards the pending draft and returns it for the record.
// Rejection loses nothing upstream: the records stay un-analyzed and the
// next run re-proposes from scratch.
func (m *Manager) Reject() (*types.Draft, error) {
	d, err := m.store.GetDraft()
	if err != nil {
		return nil, err
	}
	if err := m.store.DeleteDraft(); err != nil {
		return nil, err
	}
	logging.Draft("run %s: draft rejected", d.RunID)
	return d, nil
}

// Clear empties the slot after a successful approval.
func (m *Manager) Clear() error {
	return m.store.DeleteDraft()
}

// Summarize renders a draft for operator review.
func Summarize(d *types.Draft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft %s (created %s)\n", d.RunID, d.CreatedAt.Format(time.RFC3339))

	if len(d.Metadata) > 0 {
		keys := make([]string, 0, len(d.Metadata))
		for k := range d.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, d.Metadata[k])
		}
	}

	fmt.Fprintf(&b, "\nPersonas (%d):\n", len(d.MergedPersonas))
	for _, p := range d.MergedPersonas {
		fmt.Fprintf(&b, "  %-24s confidence %.2f, %d sample(s)\n", p.Name, p.Confidence, len(p.SampleIDs))
		if p.Description != "" {
			fmt.Fprintf(&b, "    %s\n", p.Description)
		}
	}

	if len(d.ErrorsByCluster) > 0 {
		ids := make([]int, 0, len(d.ErrorsByCluster))
		for id := range d.ErrorsByCluster {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fmt.Fprintf(&b, "\nFailed clusters (%d):\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(&b, "  cluster %d: %s\n", id, d.ErrorsByCluster[id])
		}
	}
	return b.String()
}
