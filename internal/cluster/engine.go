// Package cluster groups record embeddings into style clusters. With
// enough records a density-based pass (DBSCAN) determines the cluster
// count itself and flags unassignable points as noise; small corpora fall
// back to k-means with k chosen by an elbow heuristic.
package cluster

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"personaforge/internal/config"
	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// Engine runs one clustering pass over a normalized vector matrix.
type Engine struct {
	cfg config.ClusteringConfig
}

// New creates a cluster engine with the given parameters.
func New(cfg config.ClusteringConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Run clusters the vectors, which must be index-aligned with ids and
// normalized to unit length. The returned snapshot fully replaces any
// previous one.
func (e *Engine) Run(ids []string, vectors [][]float32) (*types.ClusterSnapshot, error) {
	timer := logging.StartTimer(logging.CategoryCluster, "Run")
	defer timer.StopWithInfo()

	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("ids and vectors misaligned: %d != %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil, types.NewValidationError("no embedded records to cluster")
	}

	points := toFloat64(vectors)

	var labels []int
	algorithm := "kmeans"
	if len(ids) >= e.cfg.MinDensitySize {
		algorithm = "dbscan"
		labels = dbscan(points, e.cfg.Eps, e.cfg.MinPoints)
		logging.Cluster("dbscan: eps=%.3f minPts=%d over %d records", e.cfg.Eps, e.cfg.MinPoints, len(ids))
	} else {
		k := chooseK(points, e.cfg.KMin, e.cfg.KMax)
		labels = kmeans(points, k, e.cfg.Seed)
		logging.Cluster("kmeans: k=%d (elbow, clamped [%d,%d]) over %d records", k, e.cfg.KMin, e.cfg.KMax, len(ids))
	}

	snap := e.buildSnapshot(ids, points, labels)
	snap.Algorithm = algorithm
	for _, w := range snap.HealthReports {
		logging.Get(logging.CategoryCluster).Warn("health: %s", w)
	}
	return snap, nil
}

// buildSnapshot assembles clusters, exemplars, quality score, and health
// diagnostics from per-record labels.
func (e *Engine) buildSnapshot(ids []string, points [][]float64, labels []int) *types.ClusterSnapshot {
	members := make(map[int][]int) // label -> point indexes
	for i, l := range labels {
		members[l] = append(members[l], i)
	}

	snap := &types.ClusterSnapshot{
		RunID:     uuid.NewString(),
		Total:     len(ids),
		CreatedAt: time.Now().UTC(),
	}

	noiseMembers := 0
	realClusters := 0
	for label, idxs := range members {
		c := types.Cluster{
			ID:        label,
			Size:      len(idxs),
			IsNoise:   label == types.NoiseLabel,
			MemberIDs: make([]string, len(idxs)),
		}
		for i, idx := range idxs {
			c.MemberIDs[i] = ids[idx]
		}
		if c.IsNoise {
			noiseMembers += c.Size
		} else {
			realClusters++
			c.ExemplarIDs = exemplars(ids, points, idxs, e.cfg.ExemplarsPerCl)
		}
		snap.Clusters = append(snap.Clusters, c)
	}
	sortClusters(snap.Clusters)

	// Noise ratio is the fraction of records flagged as noise, i.e. the
	// summed sizes of noise clusters over the total record count - not
	// the count of noise cluster objects.
	snap.NoiseRatio = float64(noiseMembers) / float64(len(ids))

	if realClusters > 1 && noiseMembers < len(ids) {
		s := silhouette(points, labels)
		snap.Silhouette = &s
	}

	snap.HealthReports = e.health(realClusters, snap.NoiseRatio, snap.Silhouette)
	return snap
}

// health produces the advisory, non-blocking diagnostics for a snapshot.
func (e *Engine) health(realClusters int, noiseRatio float64, silhouette *float64) []string {
	var reports []string
	if realClusters < e.cfg.FewClusters {
		reports = append(reports, fmt.Sprintf("few_clusters: only %d real clusters (want >= %d)", realClusters, e.cfg.FewClusters))
	}
	if realClusters > e.cfg.ManyClusters {
		reports = append(reports, fmt.Sprintf("many_clusters: %d real clusters (want <= %d)", realClusters, e.cfg.ManyClusters))
	}
	switch {
	case noiseRatio > e.cfg.HighNoise:
		reports = append(reports, fmt.Sprintf("high_noise: noise ratio %.2f exceeds %.2f", noiseRatio, e.cfg.HighNoise))
	case noiseRatio > e.cfg.ModerateNoise:
		reports = append(reports, fmt.Sprintf("moderate_noise: noise ratio %.2f exceeds %.2f", noiseRatio, e.cfg.ModerateNoise))
	}
	// The silhouette warning only makes sense with more than one cluster;
	// it never fires on a degenerate single-cluster result.
	if silhouette != nil && realClusters > 1 && *silhouette < e.cfg.LowSilhouette {
		reports = append(reports, fmt.Sprintf("low_silhouette: score %.3f below %.2f", *silhouette, e.cfg.LowSilhouette))
	}
	return reports
}

// exemplars returns the ids of the members nearest the cluster centroid.
func exemplars(ids []string, points [][]float64, memberIdxs []int, n int) []string {
	if n <= 0 {
		n = 3
	}
	dim := len(points[memberIdxs[0]])
	centroid := make([]float64, dim)
	for _, idx := range memberIdxs {
		floats.Add(centroid, points[idx])
	}
	floats.Scale(1/float64(len(memberIdxs)), centroid)

	type cand struct {
		id   string
		dist float64
	}
	cands := make([]cand, 0, len(memberIdxs))
	for _, idx := range memberIdxs {
		cands = append(cands, cand{id: ids[idx], dist: euclidean(points[idx], centroid)})
	}
	// Selection of the n closest; member lists are small enough that a
	// partial selection sort reads clearer than a heap.
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].dist < cands[best].dist {
				best = j
			}
		}
		cands[i], cands[best] = cands[best], cands[i]
		out = append(out, cands[i].id)
	}
	return out
}

func sortClusters(cs []types.Cluster) {
	// Noise last, then by id ascending for stable output.
	for i := 0; i < len(cs); i++ {
		for j := i + 1; j < len(cs); j++ {
			a, b := cs[i], cs[j]
			if (a.IsNoise && !b.IsNoise) || (a.IsNoise == b.IsNoise && a.ID > b.ID) {
				cs[i], cs[j] = cs[j], cs[i]
			}
		}
	}
}

func toFloat64(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = float64(x)
		}
		out[i] = row
	}
	return out
}

// cosineDistance is 1 - cosine similarity. Inputs are unit vectors, so
// the dot product alone gives the similarity.
func cosineDistance(a, b []float64) float64 {
	d := 1 - floats.Dot(a, b)
	if d < 0 {
		return 0
	}
	return d
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
