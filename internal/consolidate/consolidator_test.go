package consolidate

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personaforge/internal/config"
	"personaforge/internal/types"
)

// mockEngine returns canned unit vectors keyed by the embedded text.
type mockEngine struct {
	vectors map[string][]float32
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (m *mockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *mockEngine) Dimensions() int { return 2 }
func (m *mockEngine) Name() string    { return "mock" }

// vec returns the unit vector at the given angle, so cosine similarity
// between two vectors is the cosine of the angle between them.
func vec(degrees float64) []float32 {
	rad := degrees * math.Pi / 180
	return []float32{float32(math.Cos(rad)), float32(math.Sin(rad))}
}

func persona(name, description string) types.PersonaDescriptor {
	return types.PersonaDescriptor{Name: name, Description: description}
}

func result(clusterID int, personas []types.PersonaDescriptor, assignments []types.Assignment) *types.AnalysisResult {
	return &types.AnalysisResult{ClusterID: clusterID, Personas: personas, Assignments: assignments}
}

func newTestConsolidator(vectors map[string][]float32) *Consolidator {
	return New(&mockEngine{vectors: vectors}, config.Default().Consolidation)
}

func TestTransitiveMergeCollapsesChain(t *testing.T) {
	// A~B and B~C clear the 0.80 threshold but A~C does not
	// (cos 26 = 0.90, cos 52 = 0.62). All three must still collapse.
	c := newTestConsolidator(map[string][]float32{
		"Formal Scholar: Dense academic prose.": vec(0),
		"Academic Voice: Scholarly register.":   vec(26),
		"Scholarly Tone: Citation-heavy.":       vec(52),
	})

	results := map[int]*types.AnalysisResult{
		1: result(1,
			[]types.PersonaDescriptor{persona("Formal Scholar", "Dense academic prose.")},
			[]types.Assignment{{SampleID: "s1", PersonaName: "Formal Scholar"}}),
		2: result(2,
			[]types.PersonaDescriptor{persona("Academic Voice", "Scholarly register.")},
			[]types.Assignment{{SampleID: "s2", PersonaName: "Academic Voice"}}),
		3: result(3,
			[]types.PersonaDescriptor{persona("Scholarly Tone", "Citation-heavy.")},
			[]types.Assignment{{SampleID: "s3", PersonaName: "Scholarly Tone"}}),
	}

	out, err := c.Consolidate(context.Background(), "run-1", results)
	require.NoError(t, err)

	require.Len(t, out.Personas, 1)
	merged := out.Personas[0]
	assert.Equal(t, "Formal Scholar", merged.Name, "first-seen name survives")
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, merged.SampleIDs)
	assert.InDelta(t, types.Confidence(3), merged.Confidence, 1e-9)

	require.Len(t, out.Assignments, 3)
	for _, a := range out.Assignments {
		assert.Equal(t, "Formal Scholar", a.PersonaName, "assignment %s re-pointed", a.SampleID)
	}
	assert.Len(t, out.Merges, 2)
	for _, m := range out.Merges {
		assert.Equal(t, "run-1", m.RunID)
		assert.Equal(t, "Formal Scholar", m.KeptName)
		assert.GreaterOrEqual(t, m.Similarity, 0.80)
	}
}

func TestDissimilarPersonasStayDistinct(t *testing.T) {
	c := newTestConsolidator(map[string][]float32{
		"Terse Reporter: Short factual sentences.": vec(0),
		"Flowery Poet: Ornate metaphor.":           vec(90),
	})

	results := map[int]*types.AnalysisResult{
		1: result(1, []types.PersonaDescriptor{persona("Terse Reporter", "Short factual sentences.")}, nil),
		2: result(2, []types.PersonaDescriptor{persona("Flowery Poet", "Ornate metaphor.")}, nil),
	}

	out, err := c.Consolidate(context.Background(), "run-1", results)
	require.NoError(t, err)
	assert.Len(t, out.Personas, 2)
	assert.Empty(t, out.Merges)
}

func TestCharacteristicsAveragedAcrossGroup(t *testing.T) {
	c := newTestConsolidator(map[string][]float32{
		"A: first.":  vec(0),
		"B: second.": vec(10),
	})

	pa := persona("A", "first.")
	pa.Characteristics = map[string]float64{"formality": 0.6, "humor": 0.2}
	pb := persona("B", "second.")
	pb.Characteristics = map[string]float64{"formality": 0.8}

	results := map[int]*types.AnalysisResult{
		1: result(1, []types.PersonaDescriptor{pa}, nil),
		2: result(2, []types.PersonaDescriptor{pb}, nil),
	}

	out, err := c.Consolidate(context.Background(), "run-1", results)
	require.NoError(t, err)
	require.Len(t, out.Personas, 1)

	chars := out.Personas[0].Characteristics
	assert.InDelta(t, 0.7, chars["formality"], 1e-9, "averaged over both scorers")
	assert.InDelta(t, 0.2, chars["humor"], 1e-9, "averaged over the one scorer that has it")
}

func TestSampleUnionDeduplicates(t *testing.T) {
	c := newTestConsolidator(map[string][]float32{
		"A: x.": vec(0),
		"B: y.": vec(5),
	})

	results := map[int]*types.AnalysisResult{
		1: result(1, []types.PersonaDescriptor{persona("A", "x.")},
			[]types.Assignment{{SampleID: "s1", PersonaName: "A"}, {SampleID: "s2", PersonaName: "A"}}),
		2: result(2, []types.PersonaDescriptor{persona("B", "y.")},
			[]types.Assignment{{SampleID: "s2", PersonaName: "B"}, {SampleID: "s3", PersonaName: "B"}}),
	}

	out, err := c.Consolidate(context.Background(), "run-1", results)
	require.NoError(t, err)
	require.Len(t, out.Personas, 1)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, out.Personas[0].SampleIDs)
	assert.InDelta(t, types.Confidence(3), out.Personas[0].Confidence, 1e-9)
}

func TestSameNameInDifferentClustersScopedCorrectly(t *testing.T) {
	// Two clusters both propose "Narrator" but the descriptions are far
	// apart: they must remain two personas, and each cluster's
	// assignments must stay with its own proposal.
	c := newTestConsolidator(map[string][]float32{
		"Narrator: Clinical and detached.": vec(0),
		"Narrator: Breathless and warm.":   vec(90),
	})

	results := map[int]*types.AnalysisResult{
		1: result(1, []types.PersonaDescriptor{persona("Narrator", "Clinical and detached.")},
			[]types.Assignment{{SampleID: "s1", PersonaName: "Narrator"}}),
		2: result(2, []types.PersonaDescriptor{persona("Narrator", "Breathless and warm.")},
			[]types.Assignment{{SampleID: "s2", PersonaName: "Narrator"}}),
	}

	out, err := c.Consolidate(context.Background(), "run-1", results)
	require.NoError(t, err)
	assert.Len(t, out.Personas, 2)
	assert.Len(t, out.Assignments, 2)
}

func TestEmptyRunProducesEmptyOutput(t *testing.T) {
	c := newTestConsolidator(nil)
	out, err := c.Consolidate(context.Background(), "run-1", map[int]*types.AnalysisResult{})
	require.NoError(t, err)
	assert.Empty(t, out.Personas)
	assert.Empty(t, out.Assignments)
	assert.Empty(t, out.Merges)
}

func TestEmbeddingFailureIsTransient(t *testing.T) {
	c := newTestConsolidator(map[string][]float32{})
	results := map[int]*types.AnalysisResult{
		1: result(1, []types.PersonaDescriptor{persona("A", "x.")}, nil),
	}
	_, err := c.Consolidate(context.Background(), "run-1", results)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}
