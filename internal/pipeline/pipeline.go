// Package pipeline wires the stages together: corpus ingestion, embedding,
// clustering, batch preparation, concurrent analysis, consolidation, and
// the draft/approve lifecycle. Each stage reads and writes through the
// store so a run can stop and resume at any boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"personaforge/internal/batch"
	"personaforge/internal/cluster"
	"personaforge/internal/config"
	"personaforge/internal/consolidate"
	"personaforge/internal/corpus"
	"personaforge/internal/dispatch"
	"personaforge/internal/draft"
	"personaforge/internal/embedding"
	"personaforge/internal/llm"
	"personaforge/internal/logging"
	"personaforge/internal/registry"
	"personaforge/internal/store"
	"personaforge/internal/types"
)

// Pipeline orchestrates the full segmentation-and-consolidation flow.
type Pipeline struct {
	cfg          *config.Config
	store        *store.Store
	embedder     embedding.Engine
	clusterer    *cluster.Engine
	tracker      *batch.Tracker
	dispatcher   *dispatch.Dispatcher
	consolidator *consolidate.Consolidator
	drafts       *draft.Manager
	ingestor     *registry.Ingestor
}

// New assembles a pipeline over the given store and service clients.
func New(cfg *config.Config, s *store.Store, embedder embedding.Engine, client llm.Client) (*Pipeline, error) {
	dispatcher, err := dispatch.New(client, cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:          cfg,
		store:        s,
		embedder:     embedder,
		clusterer:    cluster.New(cfg.Clustering),
		tracker:      batch.NewTracker(cfg.Batch),
		dispatcher:   dispatcher,
		consolidator: consolidate.New(embedder, cfg.Consolidation),
		drafts:       draft.NewManager(s),
		ingestor:     registry.NewIngestor(s, cfg.Batch),
	}, nil
}

// IngestCorpus loads a JSONL corpus file into the record store.
func (p *Pipeline) IngestCorpus(path string) (total, added int, err error) {
	records, err := corpus.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	added, err = p.store.UpsertRecords(records)
	if err != nil {
		return 0, 0, err
	}
	return len(records), added, nil
}

// EmbedMissing generates and stores vectors for every record that lacks
// one. Already-embedded records are never re-embedded, so repeated runs
// only pay for new data.
func (p *Pipeline) EmbedMissing(ctx context.Context) (int, error) {
	missing, err := p.store.RecordsMissingEmbeddings()
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	ids := make([]string, len(missing))
	texts := make([]string, len(missing))
	for i, r := range missing {
		ids[i] = r.ID
		texts[i] = r.Text
	}

	logging.Embedding("embedding %d record(s) via %s", len(ids), p.embedder.Name())
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, &types.TransientServiceError{Service: "embedding", Err: err}
	}
	if len(vectors) != len(ids) {
		return 0, fmt.Errorf("embedding returned %d vectors for %d records", len(vectors), len(ids))
	}

	// Unit vectors: clustering and similarity search both assume them.
	embedding.NormalizeMatrix(vectors)
	if err := p.store.SaveEmbeddings(ids, vectors); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RunClustering embeds anything missing, clusters all embedded records,
// and commits the snapshot (replacing the previous one).
func (p *Pipeline) RunClustering(ctx context.Context) (*types.ClusterSnapshot, error) {
	if _, err := p.EmbedMissing(ctx); err != nil {
		return nil, err
	}

	records, err := p.store.ListRecords()
	if err != nil {
		return nil, err
	}
	var ids []string
	var vectors [][]float32
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		ids = append(ids, r.ID)
		vectors = append(vectors, r.Embedding)
	}

	snap, err := p.clusterer.Run(ids, vectors)
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Status is the operator's view of the current pipeline state.
type Status struct {
	Records      int64
	Personas     int64
	Snapshot     *types.ClusterSnapshot
	Coverage     []batch.Coverage
	DraftPending bool
	DraftRunID   string
}

// Status reports the snapshot, per-cluster coverage, and draft state.
func (p *Pipeline) Status() (*Status, error) {
	stats, err := p.store.Stats()
	if err != nil {
		return nil, err
	}
	st := &Status{Records: stats["records"], Personas: stats["personas"]}

	if pending, ok, err := p.drafts.Pending(); err != nil {
		return nil, err
	} else if ok {
		st.DraftPending = true
		st.DraftRunID = pending.RunID
	}

	snap, err := p.store.LoadSnapshot()
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return st, nil
		}
		return nil, err
	}
	st.Snapshot = snap

	analyzed, err := p.store.AnalyzedIDs()
	if err != nil {
		return nil, err
	}
	for _, c := range snap.RealClusters() {
		st.Coverage = append(st.Coverage, p.tracker.Coverage(c, analyzed))
	}
	return st, nil
}

// PrepareBatches builds the analysis requests for every real cluster's
// unanalyzed members. With cluster ids given, only those clusters are
// prepared; an unknown id is a NotFoundError.
func (p *Pipeline) PrepareBatches(only ...int) ([]batch.Request, error) {
	snap, err := p.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	records, err := p.recordIndex()
	if err != nil {
		return nil, err
	}
	analyzed, err := p.store.AnalyzedIDs()
	if err != nil {
		return nil, err
	}

	clusters := snap.RealClusters()
	if len(only) > 0 {
		byID := make(map[int]types.Cluster, len(clusters))
		for _, c := range clusters {
			byID[c.ID] = c
		}
		selected := make([]types.Cluster, 0, len(only))
		for _, id := range only {
			c, ok := byID[id]
			if !ok {
				return nil, &types.NotFoundError{Kind: "cluster", ID: strconv.Itoa(id)}
			}
			selected = append(selected, c)
		}
		clusters = selected
	}

	var requests []batch.Request
	for _, c := range clusters {
		reqs, err := p.tracker.Prepare(c, records, analyzed)
		if err != nil {
			return nil, err
		}
		requests = append(requests, reqs...)
	}
	return requests, nil
}

// RunAnalysis executes one full analysis run: dispatch every prepared
// batch, consolidate the personas, and park the result in the draft slot.
// Refuses with ConflictError while a draft is pending, before any model
// call is spent. Cluster ids restrict the run to those clusters.
func (p *Pipeline) RunAnalysis(ctx context.Context, only ...int) (*types.Draft, error) {
	if _, pending, err := p.drafts.Pending(); err != nil {
		return nil, err
	} else if pending {
		return nil, &types.ConflictError{Reason: "a draft is pending review; approve or reject it before running analysis"}
	}

	snap, err := p.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	requests, err := p.PrepareBatches(only...)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, types.NewValidationError("nothing to analyze: every cluster is fully covered")
	}

	runID := uuid.NewString()
	outcome := p.dispatcher.Run(ctx, requests)
	if len(outcome.Results) == 0 {
		return nil, fmt.Errorf("analysis run %s produced no usable results (%d failures)", runID, len(outcome.Errors))
	}

	consolidated, err := p.consolidator.Consolidate(ctx, runID, outcome.Results)
	if err != nil {
		return nil, err
	}

	repaired := 0
	for _, r := range outcome.Results {
		if r.Repaired {
			repaired++
		}
	}
	d := &types.Draft{
		RunID:            runID,
		ResultsByCluster: outcome.Results,
		ErrorsByCluster:  make(map[int]string, len(outcome.Errors)),
		MergedPersonas:   consolidated.Personas,
		Merges:           consolidated.Merges,
		Metadata: map[string]string{
			"algorithm":       snap.Algorithm,
			"snapshot_run":    snap.RunID,
			"noise_ratio":     strconv.FormatFloat(snap.NoiseRatio, 'f', 3, 64),
			"clusters_ok":     strconv.Itoa(len(outcome.Results)),
			"clusters_failed": strconv.Itoa(len(outcome.Errors)),
			"repaired":        strconv.Itoa(repaired),
		},
	}
	for cid, cerr := range outcome.Errors {
		d.ErrorsByCluster[cid] = cerr.Error()
	}

	if err := p.drafts.Create(d); err != nil {
		return nil, err
	}
	return d, nil
}

// PendingDraft returns the draft awaiting review, if any.
func (p *Pipeline) PendingDraft() (*types.Draft, bool, error) {
	return p.drafts.Pending()
}

// Approve commits the pending draft to the registry and frees the slot.
// A dry run reports the would-be changes and leaves the draft pending.
func (p *Pipeline) Approve(opts registry.Options) (*registry.Report, error) {
	d, err := p.store.GetDraft()
	if err != nil {
		return nil, err
	}
	report, err := p.ingestor.Ingest(d, opts)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := p.drafts.Clear(); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// Reject discards the pending draft.
func (p *Pipeline) Reject() (*types.Draft, error) {
	return p.drafts.Reject()
}

// Registry returns the full registry view.
func (p *Pipeline) Registry() (*types.Registry, error) {
	return p.store.LoadRegistry()
}

func (p *Pipeline) recordIndex() (map[string]*types.Record, error) {
	records, err := p.store.ListRecords()
	if err != nil {
		return nil, err
	}
	index := make(map[string]*types.Record, len(records))
	for _, r := range records {
		index[r.ID] = r
	}
	return index, nil
}
