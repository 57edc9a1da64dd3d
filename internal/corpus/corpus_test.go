package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personaforge/internal/types"
)

func TestReadParsesRecords(t *testing.T) {
	input := `{"id": "r1", "text": "first sample", "source": "blog"}

{"id": "r2", "text": "second sample", "created_at": "2026-01-15T10:00:00Z"}
`
	records, err := Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "blog", records[0].Source)
	assert.Equal(t, 2026, records[1].CreatedAt.Year())
}

func TestReadGeneratesMissingIDs(t *testing.T) {
	records, err := Read(strings.NewReader(`{"text": "anonymous sample"}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
}

func TestReadRejectsMissingText(t *testing.T) {
	_, err := Read(strings.NewReader(`{"id": "r1", "text": "ok"}
{"id": "r2", "text": "   "}`))
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "line 2")
	assert.Contains(t, validation.Reason, "no text")
}

func TestReadRejectsInvalidJSON(t *testing.T) {
	_, err := Read(strings.NewReader(`{"id": "r1", "text": "ok"}
not json at all`))
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "line 2")
}

func TestReadRejectsDuplicateIDs(t *testing.T) {
	_, err := Read(strings.NewReader(`{"id": "r1", "text": "one"}
{"id": "r1", "text": "two"}`))
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, `duplicate id "r1"`)
	assert.Contains(t, validation.Reason, "line 1")
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id": "r1", "text": "hello"}`+"\n"), 0644))

	records, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}
