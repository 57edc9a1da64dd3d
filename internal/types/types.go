// Package types holds the shared domain model for the persona pipeline:
// records, clusters, analysis results, personas, drafts, and the registry.
// Keeping these in one leaf package avoids import cycles between the
// pipeline stages that produce and consume them.
package types

import (
	"time"
)

// NoiseLabel is the sentinel cluster label for records the density-based
// algorithm could not assign to any cluster.
const NoiseLabel = -1

// Record is one input text unit plus everything derived from it downstream.
// Records are created on corpus ingestion and mutated by each stage; they
// are never deleted.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Derived fields, populated by later stages.
	Embedding []float32 `json:"embedding,omitempty"`
	ClusterID *int      `json:"cluster_id,omitempty"`
	Analyzed  bool      `json:"analyzed,omitempty"`
	PersonaID string    `json:"persona_id,omitempty"`
}

// Cluster is a group of records deemed stylistically similar in embedding
// space. The full cluster set is replaced on every clustering run, never
// incrementally patched.
type Cluster struct {
	ID        int      `json:"id"`
	MemberIDs []string `json:"member_ids"`
	Size      int      `json:"size"`
	IsNoise   bool     `json:"is_noise"`

	// ExemplarIDs are the top-3 member ids nearest the centroid.
	ExemplarIDs []string `json:"exemplar_ids,omitempty"`
}

// ClusterSnapshot is the output of one clustering run: every cluster
// (including the noise pseudo-cluster, if any) plus quality diagnostics.
type ClusterSnapshot struct {
	RunID      string    `json:"run_id"`
	Clusters   []Cluster `json:"clusters"`
	Algorithm  string    `json:"algorithm"` // "dbscan" or "kmeans"
	Total      int       `json:"total"`
	NoiseRatio float64   `json:"noise_ratio"`

	// Silhouette is set only when more than one real cluster exists and
	// not every point is noise.
	Silhouette    *float64 `json:"silhouette,omitempty"`
	HealthReports []string `json:"health_reports,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RealClusters returns the clusters excluding the noise pseudo-cluster.
func (s *ClusterSnapshot) RealClusters() []Cluster {
	out := make([]Cluster, 0, len(s.Clusters))
	for _, c := range s.Clusters {
		if !c.IsNoise {
			out = append(out, c)
		}
	}
	return out
}

// PersonaDescriptor is a named, scored writing-style profile backed by a
// set of sample records.
type PersonaDescriptor struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Characteristics maps attribute name to a numeric score on the
	// calibrated scale (e.g. formality, verbosity).
	Characteristics map[string]float64 `json:"characteristics,omitempty"`

	SampleIDs  []string `json:"sample_ids,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Confidence computes the saturating confidence score for a persona backed
// by n samples. It starts at 0.5 for an unbacked persona and gains 0.05 per
// sample, capped at 0.95. It never reaches 1.0.
func Confidence(sampleCount int) float64 {
	c := 0.5 + 0.05*float64(sampleCount)
	if c > 0.95 {
		return 0.95
	}
	return c
}

// Assignment maps one sample record to one proposed persona by name.
type Assignment struct {
	SampleID    string `json:"sample_id"`
	PersonaName string `json:"persona_name"`
}

// AnalysisResult is the structured outcome of analyzing one cluster batch.
type AnalysisResult struct {
	ClusterID   int                 `json:"cluster_id"`
	BatchID     string              `json:"batch_id"`
	Personas    []PersonaDescriptor `json:"personas"`
	Assignments []Assignment        `json:"assignments"`

	// Repaired is true when the raw model response only parsed after
	// repair was applied.
	Repaired bool   `json:"repaired,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Draft is the single pending analysis-run result awaiting an operator
// decision. At most one draft exists at any time.
type Draft struct {
	RunID            string                  `json:"run_id"`
	ResultsByCluster map[int]*AnalysisResult `json:"results_by_cluster"`
	ErrorsByCluster  map[int]string          `json:"errors_by_cluster,omitempty"`
	MergedPersonas   []PersonaDescriptor     `json:"merged_personas"`
	Merges           []MergeEvent            `json:"merges,omitempty"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// MergeEvent records one consolidation merge for the registry's history.
type MergeEvent struct {
	RunID      string    `json:"run_id"`
	KeptName   string    `json:"kept_name"`
	MergedName string    `json:"merged_name"`
	Similarity float64   `json:"similarity"`
	MergedAt   time.Time `json:"merged_at"`
}

// Sample is a record as committed to the registry: attributed to at most
// one persona at a time.
type Sample struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	PersonaID string    `json:"persona_id,omitempty"`
	ClusterID int       `json:"cluster_id"`
	IngestAt  time.Time `json:"ingest_at"`
}

// Registry is the durable set of approved personas and their samples.
type Registry struct {
	Personas      []PersonaDescriptor `json:"personas"`
	Samples       []Sample            `json:"samples"`
	UnassignedIDs []string            `json:"unassigned_ids,omitempty"`
	MergeHistory  []MergeEvent        `json:"merge_history,omitempty"`
}
