package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"personaforge/internal/embedding"
	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// serializeVector encodes a float32 vector as a little-endian blob, the
// layout sqlite-vec expects for float[] columns.
func serializeVector(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to serialize vector: %w", err)
	}
	return buf.Bytes(), nil
}

// deserializeVector decodes a little-endian float32 blob.
func deserializeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, fmt.Errorf("failed to deserialize vector: %w", err)
	}
	return vec, nil
}

// UpsertRecords inserts or refreshes records by id. Re-ingesting an
// existing id updates the text and source but keeps derived state
// (embedding, cluster, analysis) intact, so repeat ingestion is cheap
// and idempotent.
func (s *Store) UpsertRecords(records []*types.Record) (inserted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (id, text, source, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, source = excluded.source`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var existed bool
		if err := tx.QueryRow("SELECT EXISTS(SELECT 1 FROM records WHERE id = ?)", r.ID).Scan(&existed); err != nil {
			return 0, fmt.Errorf("failed to check record %s: %w", r.ID, err)
		}
		if _, err := stmt.Exec(r.ID, r.Text, r.Source, createdAt); err != nil {
			return 0, fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}
		if !existed {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("Upserted %d record(s), %d new", len(records), inserted)
	return inserted, nil
}

// GetRecord loads one record by id.
func (s *Store) GetRecord(id string) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, text, COALESCE(source, ''), created_at, embedding, cluster_id, analyzed, COALESCE(persona_id, '')
		FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "record", ID: id}
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.Record, error) {
	var (
		r         types.Record
		blob      []byte
		clusterID sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Text, &r.Source, &r.CreatedAt, &blob, &clusterID, &r.Analyzed, &r.PersonaID); err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.Embedding = vec
	}
	if clusterID.Valid {
		cid := int(clusterID.Int64)
		r.ClusterID = &cid
	}
	return &r, nil
}

// ListRecords returns all records in insertion order.
func (s *Store) ListRecords() ([]*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, text, COALESCE(source, ''), created_at, embedding, cluster_id, analyzed, COALESCE(persona_id, '')
		FROM records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordsMissingEmbeddings returns the records that still need a vector.
func (s *Store) RecordsMissingEmbeddings() ([]*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, text, COALESCE(source, ''), created_at, embedding, cluster_id, analyzed, COALESCE(persona_id, '')
		FROM records WHERE embedding IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveEmbeddings stores vectors for the given record ids and mirrors them
// into the vec table when available. Vectors are index-aligned with ids.
func (s *Store) SaveEmbeddings(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors misaligned: %d != %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureVecTable(len(vectors[0])); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		blob, err := serializeVector(vectors[i])
		if err != nil {
			return err
		}
		res, err := tx.Exec("UPDATE records SET embedding = ? WHERE id = ?", blob, id)
		if err != nil {
			return fmt.Errorf("failed to save embedding for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.NotFoundError{Kind: "record", ID: id}
		}
		if s.vectorExt {
			if _, err := tx.Exec("DELETE FROM vec_records WHERE record_id = ?", id); err != nil {
				return fmt.Errorf("failed to refresh vec row for %s: %w", id, err)
			}
			if _, err := tx.Exec("INSERT INTO vec_records (record_id, embedding) VALUES (?, ?)", id, blob); err != nil {
				return fmt.Errorf("failed to insert vec row for %s: %w", id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("Saved %d embedding(s)", len(ids))
	return nil
}

// SetClusterAssignments overwrites cluster labels for all records: ids
// absent from the map are reset to unclustered. Called when a snapshot
// commits, so labels always match the current snapshot.
func (s *Store) SetClusterAssignments(labels map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE records SET cluster_id = NULL"); err != nil {
		return fmt.Errorf("failed to reset cluster labels: %w", err)
	}
	for id, cid := range labels {
		if _, err := tx.Exec("UPDATE records SET cluster_id = ? WHERE id = ?", cid, id); err != nil {
			return fmt.Errorf("failed to label record %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AnalyzedIDs returns the set of record ids that have been analyzed.
func (s *Store) AnalyzedIDs() (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id FROM records WHERE analyzed = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to query analyzed records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SimilarRecord is one hit from a similarity search.
type SimilarRecord struct {
	ID         string
	Similarity float64
}

// FindSimilarRecords returns the k records nearest the query vector. Uses
// the vec0 index when available, otherwise scans every stored embedding.
func (s *Store) FindSimilarRecords(query []float32, k int) ([]SimilarRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 10
	}
	if s.vectorExt && s.vecDims == len(query) {
		return s.findSimilarVec(query, k)
	}
	return s.findSimilarScan(query, k)
}

func (s *Store) findSimilarVec(query []float32, k int) ([]SimilarRecord, error) {
	blob, err := serializeVector(query)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT record_id, distance FROM vec_records
		WHERE embedding MATCH ? ORDER BY distance LIMIT ?`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var out []SimilarRecord
	for rows.Next() {
		var hit SimilarRecord
		var distance float64
		if err := rows.Scan(&hit.ID, &distance); err != nil {
			return nil, err
		}
		// vec0 reports L2 distance; on unit vectors smaller is closer.
		hit.Similarity = 1 - distance*distance/2
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *Store) findSimilarScan(query []float32, k int) ([]SimilarRecord, error) {
	rows, err := s.db.Query("SELECT id, embedding FROM records WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	var corpus [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		ids = append(ids, id)
		corpus = append(corpus, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits, err := embedding.FindTopK(query, corpus, k)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarRecord, len(hits))
	for i, h := range hits {
		out[i] = SimilarRecord{ID: ids[h.Index], Similarity: h.Similarity}
	}
	return out, nil
}
