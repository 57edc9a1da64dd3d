// Package consolidate de-duplicates the personas proposed across clusters
// in one analysis run. Independent clusters routinely rediscover the same
// voice under different names; consolidation embeds each proposal and
// merges pairs whose similarity clears the configured threshold, with
// transitive closure so A~B and B~C collapse into one persona even when
// A and C are not directly similar.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"personaforge/internal/config"
	"personaforge/internal/embedding"
	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// Consolidator merges semantically equivalent persona proposals.
type Consolidator struct {
	engine    embedding.Engine
	threshold float64
}

// New creates a consolidator. The threshold comes from configuration so a
// run and its review share one definition of "same persona".
func New(engine embedding.Engine, cfg config.ConsolidationConfig) *Consolidator {
	return &Consolidator{engine: engine, threshold: cfg.MergeThreshold}
}

// Output is a consolidated run: the surviving personas, every assignment
// re-pointed at a survivor, and the merge events for the audit trail.
type Output struct {
	Personas    []types.PersonaDescriptor
	Assignments []types.Assignment
	Merges      []types.MergeEvent
}

// proposal is one persona as a specific cluster proposed it, before any
// merging. The same name may appear in several clusters; each occurrence
// is a distinct proposal until similarity says otherwise.
type proposal struct {
	clusterID int
	persona   types.PersonaDescriptor
	samples   []string
}

// Consolidate merges the personas across all successful cluster results.
// Results from failed clusters are simply absent; consolidation never
// sees a partial cluster.
func (c *Consolidator) Consolidate(ctx context.Context, runID string, results map[int]*types.AnalysisResult) (*Output, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "Consolidate")
	defer timer.StopWithInfo()

	proposals := collectProposals(results)
	if len(proposals) == 0 {
		return &Output{}, nil
	}

	texts := make([]string, len(proposals))
	for i, p := range proposals {
		texts[i] = p.persona.Name + ": " + p.persona.Description
	}
	vectors, err := c.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, &types.TransientServiceError{Service: "embedding", Err: err}
	}
	if len(vectors) != len(proposals) {
		return nil, fmt.Errorf("embedding returned %d vectors for %d personas", len(vectors), len(proposals))
	}

	uf := newUnionFind(len(proposals))
	var merges []types.MergeEvent
	for i := 0; i < len(proposals); i++ {
		for j := i + 1; j < len(proposals); j++ {
			sim, err := embedding.CosineSimilarity(vectors[i], vectors[j])
			if err != nil {
				return nil, err
			}
			if sim < c.threshold {
				continue
			}
			if uf.union(i, j) {
				merges = append(merges, types.MergeEvent{
					RunID:      runID,
					KeptName:   proposals[uf.find(i)].persona.Name,
					MergedName: proposals[j].persona.Name,
					Similarity: sim,
					MergedAt:   time.Now().UTC(),
				})
			}
		}
	}

	out := c.assemble(runID, proposals, uf, merges)
	logging.Consolidate("run %s: %d proposals -> %d personas (%d merges)",
		runID, len(proposals), len(out.Personas), len(out.Merges))
	return out, nil
}

// collectProposals flattens results into a deterministic proposal list:
// clusters in ascending id order, personas in response order. First-seen
// order decides which name survives a merge.
func collectProposals(results map[int]*types.AnalysisResult) []proposal {
	clusterIDs := make([]int, 0, len(results))
	for id := range results {
		clusterIDs = append(clusterIDs, id)
	}
	sort.Ints(clusterIDs)

	var proposals []proposal
	for _, cid := range clusterIDs {
		result := results[cid]
		samplesByName := make(map[string][]string)
		for _, a := range result.Assignments {
			samplesByName[a.PersonaName] = append(samplesByName[a.PersonaName], a.SampleID)
		}
		for _, p := range result.Personas {
			proposals = append(proposals, proposal{
				clusterID: cid,
				persona:   p,
				samples:   samplesByName[p.Name],
			})
		}
	}
	return proposals
}

// assemble builds the merged personas and re-points every assignment at
// its group's surviving persona.
func (c *Consolidator) assemble(runID string, proposals []proposal, uf *unionFind, merges []types.MergeEvent) *Output {
	// Group members by root, preserving first-seen order within a group.
	members := make(map[int][]int)
	var roots []int
	for i := range proposals {
		root := uf.find(i)
		if _, seen := members[root]; !seen {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}
	sort.Ints(roots)

	out := &Output{Merges: merges}
	keptByProposal := make([]string, len(proposals))
	for _, root := range roots {
		group := members[root]
		kept := proposals[group[0]].persona

		merged := types.PersonaDescriptor{
			Name:            kept.Name,
			Description:     kept.Description,
			Characteristics: averageCharacteristics(proposals, group),
		}
		seen := make(map[string]bool)
		for _, idx := range group {
			keptByProposal[idx] = kept.Name
			for _, id := range proposals[idx].samples {
				if !seen[id] {
					seen[id] = true
					merged.SampleIDs = append(merged.SampleIDs, id)
				}
			}
		}
		merged.Confidence = types.Confidence(len(merged.SampleIDs))
		out.Personas = append(out.Personas, merged)
	}

	// Re-point assignments cluster by cluster: a name is only meaningful
	// within the cluster that proposed it.
	keptByClusterName := make(map[int]map[string]string)
	for i, p := range proposals {
		byName, ok := keptByClusterName[p.clusterID]
		if !ok {
			byName = make(map[string]string)
			keptByClusterName[p.clusterID] = byName
		}
		byName[p.persona.Name] = keptByProposal[i]
	}
	for _, p := range proposals {
		kept := keptByClusterName[p.clusterID][p.persona.Name]
		for _, id := range p.samples {
			out.Assignments = append(out.Assignments, types.Assignment{
				SampleID:    id,
				PersonaName: kept,
			})
		}
	}
	return out
}

// averageCharacteristics averages each numeric attribute over the group
// members that actually scored it.
func averageCharacteristics(proposals []proposal, group []int) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, idx := range group {
		for key, val := range proposals[idx].persona.Characteristics {
			sums[key] += val
			counts[key]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	avg := make(map[string]float64, len(sums))
	for key, sum := range sums {
		avg[key] = sum / float64(counts[key])
	}
	return avg
}

// unionFind is a disjoint-set forest with path compression. Union keeps
// the smaller index as root so the first-seen persona wins the name.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union joins the sets holding a and b, returning false when they were
// already one set.
func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	return true
}
