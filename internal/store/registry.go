package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// UpsertPersona inserts a persona or, when the name already exists,
// refreshes its description, characteristics, confidence, and sample
// count. Returns the persona's registry id.
func (s *Store) UpsertPersona(p *types.PersonaDescriptor, sampleCount int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	charsJSON, err := json.Marshal(p.Characteristics)
	if err != nil {
		return "", fmt.Errorf("failed to marshal characteristics: %w", err)
	}

	var id string
	err = s.db.QueryRow("SELECT id FROM personas WHERE name = ?", p.Name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = p.ID
		if id == "" {
			return "", fmt.Errorf("new persona %q has no id", p.Name)
		}
		if _, err := s.db.Exec(`
			INSERT INTO personas (id, name, description, characteristics_json, confidence, sample_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.Name, p.Description, string(charsJSON), p.Confidence, sampleCount); err != nil {
			return "", fmt.Errorf("failed to insert persona %q: %w", p.Name, err)
		}
		logging.Registry("Persona %q created (id %s, %d samples)", p.Name, id, sampleCount)
	case err != nil:
		return "", fmt.Errorf("failed to look up persona %q: %w", p.Name, err)
	default:
		if _, err := s.db.Exec(`
			UPDATE personas SET description = ?, characteristics_json = ?, confidence = ?,
				sample_count = ?, updated_at = ?
			WHERE id = ?`,
			p.Description, string(charsJSON), p.Confidence, sampleCount, time.Now().UTC(), id); err != nil {
			return "", fmt.Errorf("failed to update persona %q: %w", p.Name, err)
		}
		logging.Registry("Persona %q updated (%d samples)", p.Name, sampleCount)
	}
	return id, nil
}

// GetPersonaByName loads one persona by its unique name.
func (s *Store) GetPersonaByName(name string) (*types.PersonaDescriptor, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         types.PersonaDescriptor
		charsJSON string
		count     int
	)
	err := s.db.QueryRow(`
		SELECT id, name, description, COALESCE(characteristics_json, 'null'), confidence, sample_count
		FROM personas WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.Description, &charsJSON, &p.Confidence, &count)
	if err == sql.ErrNoRows {
		return nil, 0, &types.NotFoundError{Kind: "persona", ID: name}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load persona %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(charsJSON), &p.Characteristics); err != nil {
		return nil, 0, fmt.Errorf("persona %q: %w", name, err)
	}
	return &p, count, nil
}

// ListPersonas returns all registered personas in name order, with their
// sample ids attached.
func (s *Store) ListPersonas() ([]types.PersonaDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, description, COALESCE(characteristics_json, 'null'), confidence
		FROM personas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var out []types.PersonaDescriptor
	for rows.Next() {
		var p types.PersonaDescriptor
		var charsJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &charsJSON, &p.Confidence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(charsJSON), &p.Characteristics); err != nil {
			return nil, fmt.Errorf("persona %q: %w", p.Name, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		ids, err := s.samplesForPersona(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].SampleIDs = ids
	}
	return out, nil
}

func (s *Store) samplesForPersona(personaID string) ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM samples WHERE persona_id = ? ORDER BY ingest_at, id", personaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertSample commits one sample. A sample already attributed to a
// persona keeps that attribution unless reattribute is set; the return
// value reports whether this call newly attributed the sample to the
// given persona.
func (s *Store) UpsertSample(sample *types.Sample, reattribute bool) (newlyAttributed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingPersona sql.NullString
	err = s.db.QueryRow("SELECT persona_id FROM samples WHERE id = ?", sample.ID).Scan(&existingPersona)
	switch {
	case err == sql.ErrNoRows:
		ingestAt := sample.IngestAt
		if ingestAt.IsZero() {
			ingestAt = time.Now().UTC()
		}
		if _, err := s.db.Exec(`
			INSERT INTO samples (id, text, persona_id, cluster_id, ingest_at)
			VALUES (?, ?, ?, ?, ?)`,
			sample.ID, sample.Text, nullable(sample.PersonaID), sample.ClusterID, ingestAt); err != nil {
			return false, fmt.Errorf("failed to insert sample %s: %w", sample.ID, err)
		}
		return sample.PersonaID != "", nil
	case err != nil:
		return false, fmt.Errorf("failed to check sample %s: %w", sample.ID, err)
	}

	already := existingPersona.Valid && existingPersona.String != ""
	if already && !reattribute {
		// Idempotent re-ingest: the sample stays where it is.
		return false, nil
	}
	if _, err := s.db.Exec("UPDATE samples SET text = ?, persona_id = ?, cluster_id = ? WHERE id = ?",
		sample.Text, nullable(sample.PersonaID), sample.ClusterID, sample.ID); err != nil {
		return false, fmt.Errorf("failed to update sample %s: %w", sample.ID, err)
	}
	samePersona := already && existingPersona.String == sample.PersonaID
	return sample.PersonaID != "" && !samePersona, nil
}

// SampleAttribution reports whether a sample exists and which persona it
// currently belongs to ("" when unattributed).
func (s *Store) SampleAttribution(id string) (personaID string, exists bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p sql.NullString
	err = s.db.QueryRow("SELECT persona_id FROM samples WHERE id = ?", id).Scan(&p)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check sample %s: %w", id, err)
	}
	return p.String, true, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SampleCount returns the number of samples attributed to a persona.
func (s *Store) SampleCount(personaID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM samples WHERE persona_id = ?", personaID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return count, nil
}

// AppendMergeHistory records the run's consolidation merges.
func (s *Store) AppendMergeHistory(events []types.MergeEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		if _, err := tx.Exec(`
			INSERT INTO merge_history (run_id, kept_name, merged_name, similarity, merged_at)
			VALUES (?, ?, ?, ?, ?)`,
			e.RunID, e.KeptName, e.MergedName, e.Similarity, e.MergedAt); err != nil {
			return fmt.Errorf("failed to append merge event: %w", err)
		}
	}
	return tx.Commit()
}

// MergeHistory returns all recorded merges, oldest first.
func (s *Store) MergeHistory() ([]types.MergeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mergeHistoryLocked()
}

// LoadRegistry assembles the full registry view for reporting.
func (s *Store) LoadRegistry() (*types.Registry, error) {
	personas, err := s.ListPersonas()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	reg := &types.Registry{Personas: personas}
	rows, err := s.db.Query("SELECT id, text, COALESCE(persona_id, ''), cluster_id, ingest_at FROM samples ORDER BY ingest_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sm types.Sample
		if err := rows.Scan(&sm.ID, &sm.Text, &sm.PersonaID, &sm.ClusterID, &sm.IngestAt); err != nil {
			return nil, err
		}
		reg.Samples = append(reg.Samples, sm)
		if sm.PersonaID == "" {
			reg.UnassignedIDs = append(reg.UnassignedIDs, sm.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history, err := s.mergeHistoryLocked()
	if err != nil {
		return nil, err
	}
	reg.MergeHistory = history
	return reg, nil
}

func (s *Store) mergeHistoryLocked() ([]types.MergeEvent, error) {
	rows, err := s.db.Query("SELECT run_id, kept_name, merged_name, similarity, merged_at FROM merge_history ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load merge history: %w", err)
	}
	defer rows.Close()

	var out []types.MergeEvent
	for rows.Next() {
		var e types.MergeEvent
		if err := rows.Scan(&e.RunID, &e.KeptName, &e.MergedName, &e.Similarity, &e.MergedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
