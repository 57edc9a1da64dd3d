package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// SaveSnapshot replaces the stored cluster snapshot wholesale and
// relabels every record to match. Clustering output is never patched
// incrementally; a new run supersedes the old one entirely.
func (s *Store) SaveSnapshot(snap *types.ClusterSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM clusters"); err != nil {
		return fmt.Errorf("failed to clear clusters: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM cluster_runs"); err != nil {
		return fmt.Errorf("failed to clear cluster runs: %w", err)
	}

	healthJSON, err := json.Marshal(snap.HealthReports)
	if err != nil {
		return fmt.Errorf("failed to marshal health reports: %w", err)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var silhouette interface{}
	if snap.Silhouette != nil {
		silhouette = *snap.Silhouette
	}
	if _, err := tx.Exec(`
		INSERT INTO cluster_runs (run_id, algorithm, total, noise_ratio, silhouette, health_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Algorithm, snap.Total, snap.NoiseRatio, silhouette, string(healthJSON), createdAt); err != nil {
		return fmt.Errorf("failed to insert cluster run: %w", err)
	}

	if _, err := tx.Exec("UPDATE records SET cluster_id = NULL"); err != nil {
		return fmt.Errorf("failed to reset cluster labels: %w", err)
	}
	for _, c := range snap.Clusters {
		memberJSON, err := json.Marshal(c.MemberIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal cluster %d members: %w", c.ID, err)
		}
		exemplarJSON, err := json.Marshal(c.ExemplarIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal cluster %d exemplars: %w", c.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO clusters (run_id, cluster_id, is_noise, size, member_ids, exemplar_ids)
			VALUES (?, ?, ?, ?, ?, ?)`,
			snap.RunID, c.ID, c.IsNoise, c.Size, string(memberJSON), string(exemplarJSON)); err != nil {
			return fmt.Errorf("failed to insert cluster %d: %w", c.ID, err)
		}
		for _, id := range c.MemberIDs {
			if _, err := tx.Exec("UPDATE records SET cluster_id = ? WHERE id = ?", c.ID, id); err != nil {
				return fmt.Errorf("failed to label record %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	logging.Store("Saved snapshot %s: %d cluster(s), %d record(s)", snap.RunID, len(snap.Clusters), snap.Total)
	return nil
}

// LoadSnapshot returns the current cluster snapshot.
func (s *Store) LoadSnapshot() (*types.ClusterSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &types.ClusterSnapshot{}
	var healthJSON string
	var silhouette sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT run_id, algorithm, total, noise_ratio, silhouette, COALESCE(health_json, '[]'), created_at
		FROM cluster_runs LIMIT 1`).
		Scan(&snap.RunID, &snap.Algorithm, &snap.Total, &snap.NoiseRatio, &silhouette, &healthJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "snapshot"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster run: %w", err)
	}
	if silhouette.Valid {
		v := silhouette.Float64
		snap.Silhouette = &v
	}
	if err := json.Unmarshal([]byte(healthJSON), &snap.HealthReports); err != nil {
		return nil, fmt.Errorf("failed to parse health reports: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT cluster_id, is_noise, size, member_ids, COALESCE(exemplar_ids, '[]')
		FROM clusters WHERE run_id = ? ORDER BY cluster_id`, snap.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load clusters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c types.Cluster
		var memberJSON, exemplarJSON string
		if err := rows.Scan(&c.ID, &c.IsNoise, &c.Size, &memberJSON, &exemplarJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(memberJSON), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("cluster %d: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(exemplarJSON), &c.ExemplarIDs); err != nil {
			return nil, fmt.Errorf("cluster %d: %w", c.ID, err)
		}
		snap.Clusters = append(snap.Clusters, c)
	}
	return snap, rows.Err()
}
