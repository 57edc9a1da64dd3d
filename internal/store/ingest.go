package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// PersonaCommit is one persona's slice of an ingestion commit: the
// descriptor to write and the samples being attributed to it.
type PersonaCommit struct {
	Persona *types.PersonaDescriptor
	Samples []types.Sample
}

// CommitIngestion applies an approved draft in a single transaction:
// personas are inserted or refreshed by name, samples attributed, their
// records flagged analyzed, and the run's merges appended to history.
// Sample counts and confidence are recomputed inside the transaction for
// every persona the commit touches, including personas that lost samples
// to a reattribution. Any failure rolls the whole commit back, so the
// registry never carries a partial run.
//
// Returns the recomputed sample count per touched persona id.
func (s *Store) CommitIngestion(commits []PersonaCommit, merges []types.MergeEvent) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	touched := make(map[string]bool)
	for _, c := range commits {
		p := c.Persona
		if p.ID == "" {
			return nil, fmt.Errorf("persona %q has no id", p.Name)
		}
		charsJSON, err := json.Marshal(p.Characteristics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal characteristics: %w", err)
		}

		var existingID string
		err = tx.QueryRow("SELECT id FROM personas WHERE name = ?", p.Name).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`
				INSERT INTO personas (id, name, description, characteristics_json, confidence, sample_count)
				VALUES (?, ?, ?, ?, ?, 0)`,
				p.ID, p.Name, p.Description, string(charsJSON), p.Confidence); err != nil {
				return nil, fmt.Errorf("failed to insert persona %q: %w", p.Name, err)
			}
		case err != nil:
			return nil, fmt.Errorf("failed to look up persona %q: %w", p.Name, err)
		default:
			p.ID = existingID
			if _, err := tx.Exec(`
				UPDATE personas SET description = ?, characteristics_json = ?, updated_at = ?
				WHERE id = ?`,
				p.Description, string(charsJSON), time.Now().UTC(), existingID); err != nil {
				return nil, fmt.Errorf("failed to update persona %q: %w", p.Name, err)
			}
		}
		touched[p.ID] = true

		for i := range c.Samples {
			sm := &c.Samples[i]
			var prev sql.NullString
			err := tx.QueryRow("SELECT persona_id FROM samples WHERE id = ?", sm.ID).Scan(&prev)
			switch {
			case err == sql.ErrNoRows:
				ingestAt := sm.IngestAt
				if ingestAt.IsZero() {
					ingestAt = time.Now().UTC()
				}
				if _, err := tx.Exec(`
					INSERT INTO samples (id, text, persona_id, cluster_id, ingest_at)
					VALUES (?, ?, ?, ?, ?)`,
					sm.ID, sm.Text, p.ID, sm.ClusterID, ingestAt); err != nil {
					return nil, fmt.Errorf("failed to insert sample %s: %w", sm.ID, err)
				}
			case err != nil:
				return nil, fmt.Errorf("failed to check sample %s: %w", sm.ID, err)
			default:
				// The previous owner loses this sample; refresh its count
				// below.
				if prev.Valid && prev.String != "" {
					touched[prev.String] = true
				}
				if _, err := tx.Exec("UPDATE samples SET text = ?, persona_id = ?, cluster_id = ? WHERE id = ?",
					sm.Text, p.ID, sm.ClusterID, sm.ID); err != nil {
					return nil, fmt.Errorf("failed to update sample %s: %w", sm.ID, err)
				}
			}
			if _, err := tx.Exec("UPDATE records SET analyzed = 1, persona_id = ? WHERE id = ?", p.ID, sm.ID); err != nil {
				return nil, fmt.Errorf("failed to mark record %s: %w", sm.ID, err)
			}
		}
	}

	counts := make(map[string]int, len(touched))
	for id := range touched {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM samples WHERE persona_id = ?", id).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count samples: %w", err)
		}
		if _, err := tx.Exec("UPDATE personas SET sample_count = ?, confidence = ? WHERE id = ?",
			count, types.Confidence(count), id); err != nil {
			return nil, fmt.Errorf("failed to refresh persona %s: %w", id, err)
		}
		counts[id] = count
	}

	for _, e := range merges {
		if _, err := tx.Exec(`
			INSERT INTO merge_history (run_id, kept_name, merged_name, similarity, merged_at)
			VALUES (?, ?, ?, ?, ?)`,
			e.RunID, e.KeptName, e.MergedName, e.Similarity, e.MergedAt); err != nil {
			return nil, fmt.Errorf("failed to append merge event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	logging.Registry("Committed %d persona(s), refreshed %d", len(commits), len(touched))
	return counts, nil
}
