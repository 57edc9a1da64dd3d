// Package corpus reads input records from JSONL files. One JSON object
// per line; text is mandatory, id is generated when absent so re-running
// ingestion on an id-bearing corpus stays idempotent.
package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// line is the JSONL input shape.
type line struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// maxLineBytes bounds a single record; anything larger is a data error,
// not a style sample.
const maxLineBytes = 1 << 20

// ReadFile parses a JSONL corpus file into records.
func ReadFile(path string) ([]*types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	records, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.Boot("corpus %s: %d record(s)", path, len(records))
	return records, nil
}

// Read parses JSONL records from a reader. Blank lines are skipped; a
// malformed line or a record without text is a ValidationError naming the
// line number.
func Read(r io.Reader) ([]*types.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var records []*types.Record
	seen := make(map[string]int)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, types.NewValidationError("line %d: invalid JSON: %v", lineNo, err)
		}
		if strings.TrimSpace(l.Text) == "" {
			return nil, types.NewValidationError("line %d: record has no text", lineNo)
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if prev, dup := seen[l.ID]; dup {
			return nil, types.NewValidationError("line %d: duplicate id %q (first seen on line %d)", lineNo, l.ID, prev)
		}
		seen[l.ID] = lineNo

		records = append(records, &types.Record{
			ID:        l.ID,
			Text:      l.Text,
			Source:    l.Source,
			CreatedAt: l.CreatedAt,
		})
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, types.NewValidationError("line %d: record exceeds %d bytes", lineNo+1, maxLineBytes)
		}
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return records, nil
}
