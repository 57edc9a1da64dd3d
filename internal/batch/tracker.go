// Package batch turns unanalyzed cluster members into bounded analysis
// request payloads and tracks per-cluster coverage. Everything here is
// pure and read-only; nothing mutates records or clusters.
package batch

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"personaforge/internal/config"
	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// Tracker computes coverage and prepares request payloads using the
// centrally configured coverage target and per-request cap.
type Tracker struct {
	target float64
	cap    int
}

// NewTracker creates a tracker from batch configuration.
func NewTracker(cfg config.BatchConfig) *Tracker {
	return &Tracker{target: cfg.CoverageTarget, cap: cfg.MaxPerRequest}
}

// Coverage describes how much of one cluster has been analyzed.
type Coverage struct {
	ClusterID int
	Total     int
	Analyzed  int
	// Required is ceil(Total * target): the analyzed count needed
	// before this cluster's results may commit.
	Required int
}

// Fraction returns analyzed/total, 0 for an empty cluster.
func (c Coverage) Fraction() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Analyzed) / float64(c.Total)
}

// Met reports whether the coverage target is already satisfied.
func (c Coverage) Met() bool { return c.Analyzed >= c.Required }

// Coverage computes coverage for a cluster given the set of analyzed
// record ids.
func (t *Tracker) Coverage(cluster types.Cluster, analyzed map[string]bool) Coverage {
	count := 0
	for _, id := range cluster.MemberIDs {
		if analyzed[id] {
			count++
		}
	}
	return Coverage{
		ClusterID: cluster.ID,
		Total:     cluster.Size,
		Analyzed:  count,
		Required:  int(math.Ceil(float64(cluster.Size) * t.target)),
	}
}

// CheckProjected validates that committing newCount additional analyzed
// samples would satisfy the coverage target. On refusal the error names
// the exact shortfall. Returns nil when the projection meets the target.
func (t *Tracker) CheckProjected(cov Coverage, newCount int) error {
	projected := cov.Analyzed + newCount
	if projected >= cov.Required {
		return nil
	}
	return types.NewValidationError(
		"cluster %d projected coverage %d/%d (%.0f%%) below required %d (%.0f%%); %d more sample(s) needed",
		cov.ClusterID, projected, cov.Total, 100*float64(projected)/float64(cov.Total),
		cov.Required, 100*t.target, cov.Required-projected)
}

// Request is one bounded analysis payload for a single cluster. Oversized
// clusters produce several sequential, non-overlapping requests.
type Request struct {
	BatchID   string
	ClusterID int

	// Samples to analyze, in cluster member order.
	SampleIDs []string
	Texts     []string

	// Calibration and Schema are embedded verbatim into the prompt so
	// independent requests score on the same scale and return the same
	// shape.
	Calibration string
	Schema      string

	// Seq/SeqTotal position this request among its cluster's sub-batches.
	Seq      int
	SeqTotal int
}

// Prepare builds the request payloads for a cluster's unanalyzed members.
// recordText resolves a member id to its text; unknown ids are an error
// (the snapshot and the record set must agree).
func (t *Tracker) Prepare(cluster types.Cluster, records map[string]*types.Record, analyzed map[string]bool) ([]Request, error) {
	if cluster.IsNoise {
		return nil, types.NewValidationError("cluster %d is the noise group and cannot be batched", cluster.ID)
	}

	var pending []string
	for _, id := range cluster.MemberIDs {
		if analyzed[id] {
			continue
		}
		if _, ok := records[id]; !ok {
			return nil, &types.NotFoundError{Kind: "sample", ID: id}
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		logging.Batch("cluster %d: nothing to prepare, coverage complete", cluster.ID)
		return nil, nil
	}

	total := (len(pending) + t.cap - 1) / t.cap
	requests := make([]Request, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * t.cap
		end := start + t.cap
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		req := Request{
			BatchID:     uuid.NewString(),
			ClusterID:   cluster.ID,
			SampleIDs:   chunk,
			Texts:       make([]string, len(chunk)),
			Calibration: CalibrationReference,
			Schema:      SchemaInstructions,
			Seq:         seq,
			SeqTotal:    total,
		}
		for i, id := range chunk {
			req.Texts[i] = records[id].Text
		}
		requests = append(requests, req)
	}

	logging.Batch("cluster %d: prepared %d request(s) for %d unanalyzed of %d members",
		cluster.ID, len(requests), len(pending), cluster.Size)
	return requests, nil
}

// Prompt renders the full analysis prompt for one request.
func (r *Request) Prompt() string {
	var b []byte
	b = append(b, "# Writing Style Analysis\n\n"...)
	b = append(b, r.Calibration...)
	b = append(b, "\n\n"...)
	b = append(b, r.Schema...)
	b = append(b, "\n\n## Samples\n\n"...)
	for i, id := range r.SampleIDs {
		b = append(b, fmt.Sprintf("[%s]\n%s\n\n", id, r.Texts[i])...)
	}
	return string(b)
}
