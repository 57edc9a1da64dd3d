// Package registry commits an approved draft into the durable persona
// registry: personas are created or refreshed by name, samples are
// attributed idempotently, confidence is recomputed from the backing
// sample count, and the run's merges join the audit history.
package registry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"personaforge/internal/batch"
	"personaforge/internal/config"
	"personaforge/internal/logging"
	"personaforge/internal/store"
	"personaforge/internal/types"
)

// Ingestor applies approved drafts to the registry.
type Ingestor struct {
	store   *store.Store
	tracker *batch.Tracker
}

// NewIngestor creates an ingestor sharing the batch package's coverage
// arithmetic, so the gate at approval matches the gate at preparation.
func NewIngestor(s *store.Store, cfg config.BatchConfig) *Ingestor {
	return &Ingestor{store: s, tracker: batch.NewTracker(cfg)}
}

// Options controls one ingestion.
type Options struct {
	// DryRun reports what would change without writing anything.
	DryRun bool
	// Force bypasses the coverage gate and reattributes samples that
	// already belong to another persona.
	Force bool
}

// PersonaChange describes the effect of ingestion on one persona.
type PersonaChange struct {
	Name         string
	Created      bool
	NewSamples   int
	TotalSamples int
	Confidence   float64
}

// Report summarizes one ingestion, real or dry-run.
type Report struct {
	RunID    string
	DryRun   bool
	Personas []PersonaChange
	// SkippedSamples were already attributed to a different persona and
	// left untouched (Force moves them instead).
	SkippedSamples []string
	MergesRecorded int
}

// Ingest commits the draft. The coverage gate runs first: every cluster
// the draft analyzed must project to its required coverage, or ingestion
// refuses with a ValidationError naming the shortfall. The commit itself
// is a single store transaction, so a draft that fails validation (or a
// write that fails partway) leaves the registry exactly as it was.
func (in *Ingestor) Ingest(d *types.Draft, opts Options) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryRegistry, "Ingest")
	defer timer.StopWithInfo()

	if !opts.Force {
		if err := in.checkCoverage(d); err != nil {
			return nil, err
		}
	}

	// Plan against a read-only view of the store. Every draft problem
	// (unknown sample, foreign attribution) surfaces here, before a
	// single write happens.
	report := &Report{RunID: d.RunID, DryRun: opts.DryRun}
	commits := make([]store.PersonaCommit, 0, len(d.MergedPersonas))
	changes := make([]PersonaChange, 0, len(d.MergedPersonas))
	for i := range d.MergedPersonas {
		commit, change, err := in.planPersona(&d.MergedPersonas[i], opts, report)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *commit)
		changes = append(changes, *change)
	}
	report.MergesRecorded = len(d.Merges)

	if opts.DryRun {
		report.Personas = changes
		return report, nil
	}

	counts, err := in.store.CommitIngestion(commits, d.Merges)
	if err != nil {
		return nil, err
	}
	for i := range changes {
		total := counts[commits[i].Persona.ID]
		changes[i].TotalSamples = total
		changes[i].Confidence = types.Confidence(total)
	}
	report.Personas = changes

	logging.Registry("run %s ingested (force=%v): %d persona(s), %d skipped sample(s)",
		d.RunID, opts.Force, len(report.Personas), len(report.SkippedSamples))
	return report, nil
}

// checkCoverage validates every analyzed cluster against the coverage
// target, projecting the draft's assignments onto the current snapshot.
func (in *Ingestor) checkCoverage(d *types.Draft) error {
	snap, err := in.store.LoadSnapshot()
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			return types.NewValidationError(
				"no cluster snapshot to gate coverage for run %s; re-run clustering or pass --force", d.RunID)
		}
		return err
	}

	analyzed, err := in.store.AnalyzedIDs()
	if err != nil {
		return err
	}

	newByCluster := make(map[int]int)
	for cid, result := range d.ResultsByCluster {
		for _, a := range result.Assignments {
			if !analyzed[a.SampleID] {
				newByCluster[cid]++
			}
		}
	}

	for _, cluster := range snap.RealClusters() {
		if _, analyzedCluster := d.ResultsByCluster[cluster.ID]; !analyzedCluster {
			continue
		}
		cov := in.tracker.Coverage(cluster, analyzed)
		if err := in.tracker.CheckProjected(cov, newByCluster[cluster.ID]); err != nil {
			return err
		}
	}
	return nil
}

// planPersona resolves one merged persona against the current registry
// without writing anything: which registry row it maps to, which samples
// it may attribute, and which are skipped as foreign. The projected
// totals it reports are exact for a dry run; a real commit replaces them
// with counts recomputed inside the transaction.
func (in *Ingestor) planPersona(p *types.PersonaDescriptor, opts Options, report *Report) (*store.PersonaCommit, *PersonaChange, error) {
	existing, existingCount, err := in.store.GetPersonaByName(p.Name)
	created := false
	switch {
	case err == nil:
		p.ID = existing.ID
	default:
		var notFound *types.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, err
		}
		created = true
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
	}

	commit := &store.PersonaCommit{Persona: p}
	newSamples := 0
	for _, sampleID := range p.SampleIDs {
		record, err := in.store.GetRecord(sampleID)
		if err != nil {
			return nil, nil, fmt.Errorf("draft references unknown sample: %w", err)
		}
		clusterID := types.NoiseLabel
		if record.ClusterID != nil {
			clusterID = *record.ClusterID
		}

		owner, exists, err := in.store.SampleAttribution(sampleID)
		if err != nil {
			return nil, nil, err
		}
		foreign := exists && owner != "" && owner != p.ID
		if foreign && !opts.Force {
			report.SkippedSamples = append(report.SkippedSamples, sampleID)
			continue
		}
		if !exists || owner == "" || foreign {
			newSamples++
		}
		commit.Samples = append(commit.Samples, types.Sample{
			ID:        sampleID,
			Text:      record.Text,
			PersonaID: p.ID,
			ClusterID: clusterID,
		})
	}

	total := existingCount + newSamples
	if created {
		total = newSamples
	}
	p.Confidence = types.Confidence(total)

	return commit, &PersonaChange{
		Name:         p.Name,
		Created:      created,
		NewSamples:   newSamples,
		TotalSamples: total,
		Confidence:   p.Confidence,
	}, nil
}
