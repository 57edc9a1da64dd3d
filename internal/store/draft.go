package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// CreateDraft stores the run's draft into the single slot. Fails with
// ConflictError while another draft is pending; the operator must approve
// or reject it first.
func (s *Store) CreateDraft(draft *types.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow("SELECT run_id FROM drafts WHERE slot = 1").Scan(&existing)
	if err == nil {
		return &types.ConflictError{
			Reason: fmt.Sprintf("draft from run %s is pending review; approve or reject it before starting a new run", existing),
		}
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check draft slot: %w", err)
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.Exec("INSERT INTO drafts (slot, run_id, payload, created_at) VALUES (1, ?, ?, ?)",
		draft.RunID, string(payload), createdAt); err != nil {
		return fmt.Errorf("failed to insert draft: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit draft: %w", err)
	}
	logging.Draft("Draft %s created (%d personas)", draft.RunID, len(draft.MergedPersonas))
	return nil
}

// GetDraft returns the pending draft, or NotFoundError when the slot is
// empty.
func (s *Store) GetDraft() (*types.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRow("SELECT payload FROM drafts WHERE slot = 1").Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "draft"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}

	var draft types.Draft
	if err := json.Unmarshal([]byte(payload), &draft); err != nil {
		return nil, fmt.Errorf("failed to parse draft payload: %w", err)
	}
	return &draft, nil
}

// DeleteDraft clears the slot. Deleting an empty slot is NotFoundError so
// a double reject is visible to the operator.
func (s *Store) DeleteDraft() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM drafts WHERE slot = 1")
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{Kind: "draft"}
	}
	logging.Draft("Draft slot cleared")
	return nil
}
