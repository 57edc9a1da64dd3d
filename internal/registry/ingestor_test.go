package registry

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personaforge/internal/config"
	"personaforge/internal/store"
	"personaforge/internal/types"
)

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewIngestor(s, config.Default().Batch), s
}

// seedCluster stores n records in one cluster and returns their ids.
func seedCluster(t *testing.T, s *store.Store, n int, prefix string) []string {
	t.Helper()
	ids := make([]string, n)
	records := make([]*types.Record, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", prefix, i)
		records[i] = &types.Record{ID: ids[i], Text: "text " + ids[i]}
	}
	_, err := s.UpsertRecords(records)
	require.NoError(t, err)
	return ids
}

func snapshotOf(t *testing.T, s *store.Store, clusters ...types.Cluster) {
	t.Helper()
	total := 0
	for _, c := range clusters {
		total += c.Size
	}
	require.NoError(t, s.SaveSnapshot(&types.ClusterSnapshot{
		RunID:     "cluster-run",
		Algorithm: "kmeans",
		Total:     total,
		Clusters:  clusters,
	}))
}

func draftFor(personaName string, clusterID int, sampleIDs []string) *types.Draft {
	assignments := make([]types.Assignment, len(sampleIDs))
	for i, id := range sampleIDs {
		assignments[i] = types.Assignment{SampleID: id, PersonaName: personaName}
	}
	return &types.Draft{
		RunID: "run-1",
		ResultsByCluster: map[int]*types.AnalysisResult{
			clusterID: {ClusterID: clusterID, Assignments: assignments},
		},
		MergedPersonas: []types.PersonaDescriptor{
			{Name: personaName, Description: "desc", SampleIDs: sampleIDs},
		},
	}
}

func TestIngestCreatesPersonaAndAttributesSamples(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	report, err := in.Ingest(draftFor("Terse Reporter", 0, ids), Options{})
	require.NoError(t, err)
	require.Len(t, report.Personas, 1)

	change := report.Personas[0]
	assert.True(t, change.Created)
	assert.Equal(t, 5, change.NewSamples)
	assert.Equal(t, 5, change.TotalSamples)
	assert.InDelta(t, types.Confidence(5), change.Confidence, 1e-9)

	p, count, err := s.GetPersonaByName("Terse Reporter")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.NotEmpty(t, p.ID)

	// Records are flagged analyzed and attributed.
	analyzed, err := s.AnalyzedIDs()
	require.NoError(t, err)
	assert.Len(t, analyzed, 5)
}

func TestReingestIsIdempotent(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 4, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 4})

	d := draftFor("Terse Reporter", 0, ids)
	_, err := in.Ingest(d, Options{})
	require.NoError(t, err)

	// Replaying the same draft changes nothing.
	report, err := in.Ingest(d, Options{})
	require.NoError(t, err)
	require.Len(t, report.Personas, 1)
	assert.Equal(t, 0, report.Personas[0].NewSamples)
	assert.Equal(t, 4, report.Personas[0].TotalSamples)

	_, count, err := s.GetPersonaByName("Terse Reporter")
	require.NoError(t, err)
	assert.Equal(t, 4, count, "sample count never double-increments")
}

func TestCoverageGateRefusesShortfall(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 10, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 10})

	// Only 2 of 10 assigned: required is ceil(10*0.8)=8.
	d := draftFor("Terse Reporter", 0, ids[:2])
	_, err := in.Ingest(d, Options{})
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "2/10")
	assert.Contains(t, validation.Reason, "6 more sample(s) needed")

	// Nothing was written.
	_, _, err = s.GetPersonaByName("Terse Reporter")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestForceBypassesCoverageGate(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 10, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 10})

	report, err := in.Ingest(draftFor("Terse Reporter", 0, ids[:2]), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Personas[0].NewSamples)
}

func TestAttributedSamplesAreNotStolen(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	_, err := in.Ingest(draftFor("First Persona", 0, ids), Options{})
	require.NoError(t, err)

	// A later run claims the same samples under a new name: without
	// force they stay put.
	d2 := draftFor("Second Persona", 0, ids)
	d2.RunID = "run-2"
	report, err := in.Ingest(d2, Options{Force: false})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Personas[0].NewSamples)
	assert.Len(t, report.SkippedSamples, 5)

	_, count, err := s.GetPersonaByName("First Persona")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestForceReattributesSamples(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	_, err := in.Ingest(draftFor("First Persona", 0, ids), Options{})
	require.NoError(t, err)

	d2 := draftFor("Second Persona", 0, ids)
	d2.RunID = "run-2"
	report, err := in.Ingest(d2, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Personas[0].NewSamples)

	// The losing persona's count and confidence reflect the move.
	first, firstCount, err := s.GetPersonaByName("First Persona")
	require.NoError(t, err)
	assert.Equal(t, 0, firstCount, "samples moved away")
	assert.InDelta(t, types.Confidence(0), first.Confidence, 1e-9)

	second, secondCount, err := s.GetPersonaByName("Second Persona")
	require.NoError(t, err)
	assert.Equal(t, 5, secondCount)
	assert.InDelta(t, types.Confidence(5), second.Confidence, 1e-9)
}

func TestDryRunWritesNothing(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	d := draftFor("Terse Reporter", 0, ids)
	d.Merges = []types.MergeEvent{{RunID: "run-1", KeptName: "Terse Reporter", MergedName: "Brief Writer", Similarity: 0.9}}

	report, err := in.Ingest(d, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 5, report.Personas[0].NewSamples)
	assert.Equal(t, 1, report.MergesRecorded)

	_, _, err = s.GetPersonaByName("Terse Reporter")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)

	history, err := s.MergeHistory()
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMergeHistoryRecordedOnIngest(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	d := draftFor("Terse Reporter", 0, ids)
	d.Merges = []types.MergeEvent{{RunID: "run-1", KeptName: "Terse Reporter", MergedName: "Brief Writer", Similarity: 0.9}}

	_, err := in.Ingest(d, Options{})
	require.NoError(t, err)

	history, err := s.MergeHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Brief Writer", history[0].MergedName)
}

func TestDraftReferencingUnknownSample(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	d := draftFor("Terse Reporter", 0, append(append([]string{}, ids...), "ghost"))
	_, err := in.Ingest(d, Options{})
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "record", notFound.Kind)

	// The refused ingestion wrote nothing: no persona, no attributions,
	// no analyzed flags to distort later coverage accounting.
	_, _, err = s.GetPersonaByName("Terse Reporter")
	require.ErrorAs(t, err, &notFound)
	analyzed, err := s.AnalyzedIDs()
	require.NoError(t, err)
	assert.Empty(t, analyzed)
	_, exists, err := s.SampleAttribution(ids[0])
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFailedIngestLeavesEarlierPersonasUnwritten(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")
	snapshotOf(t, s, types.Cluster{ID: 0, MemberIDs: ids, Size: 5})

	// Two personas; the second references a sample that does not exist.
	// The first must not survive the failure.
	d := draftFor("Good Persona", 0, ids[:3])
	d.MergedPersonas = append(d.MergedPersonas,
		types.PersonaDescriptor{Name: "Bad Persona", Description: "desc", SampleIDs: []string{ids[3], "ghost"}})
	for _, id := range []string{ids[3], ids[4]} {
		d.ResultsByCluster[0].Assignments = append(d.ResultsByCluster[0].Assignments,
			types.Assignment{SampleID: id, PersonaName: "Bad Persona"})
	}

	_, err := in.Ingest(d, Options{})
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, _, err = s.GetPersonaByName("Good Persona")
	require.ErrorAs(t, err, &notFound)
	analyzed, err := s.AnalyzedIDs()
	require.NoError(t, err)
	assert.Empty(t, analyzed)
	reg, err := s.LoadRegistry()
	require.NoError(t, err)
	assert.Empty(t, reg.Personas)
	assert.Empty(t, reg.Samples)
}

func TestMissingSnapshotRefusedWithoutForce(t *testing.T) {
	in, s := newTestIngestor(t)
	ids := seedCluster(t, s, 5, "r")

	// No snapshot stored: the gate has nothing to check against, so the
	// ingest refuses unless the operator forces it.
	d := draftFor("Terse Reporter", 0, ids)
	_, err := in.Ingest(d, Options{})
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "snapshot")

	report, err := in.Ingest(d, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Personas[0].NewSamples)
}
