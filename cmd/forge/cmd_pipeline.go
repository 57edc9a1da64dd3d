package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ingestCorpusCmd loads a JSONL corpus into the record store.
var ingestCorpusCmd = &cobra.Command{
	Use:   "ingest-corpus [file.jsonl]",
	Short: "Load records from a JSONL corpus file",
	Long: `Reads one JSON object per line ({"id", "text", "source", "created_at"};
only text is required) and stores the records. Records with known ids are
refreshed, not duplicated, so re-running ingestion is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		total, added, err := p.IngestCorpus(args[0])
		if err != nil {
			return err
		}
		logger.Info("Corpus ingested", zap.String("file", args[0]), zap.Int("records", total), zap.Int("new", added))
		fmt.Printf("Ingested %d record(s) from %s (%d new)\n", total, args[0], added)
		return nil
	},
}

// runClusteringCmd embeds and clusters the corpus.
var runClusteringCmd = &cobra.Command{
	Use:   "run-clustering",
	Short: "Embed all records and rebuild the cluster snapshot",
	Long: `Generates embeddings for records that lack one, clusters the full
embedding space (density-based for large corpora, k-means otherwise), and
replaces the stored snapshot. Cluster quality warnings are advisory and
never block the run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := p.RunClustering(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Clustering complete (%s): %d record(s), %d cluster(s), noise %.1f%%\n",
			snap.Algorithm, snap.Total, len(snap.RealClusters()), 100*snap.NoiseRatio)
		if snap.Silhouette != nil {
			fmt.Printf("Silhouette: %.3f\n", *snap.Silhouette)
		}
		for _, w := range snap.HealthReports {
			fmt.Printf("Warning: %s\n", w)
		}
		return nil
	},
}

// clusterStatusCmd reports the snapshot, coverage, and draft state.
var clusterStatusCmd = &cobra.Command{
	Use:   "cluster-status",
	Short: "Show clusters, per-cluster coverage, and the draft state",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := p.Status()
		if err != nil {
			return err
		}

		fmt.Printf("Records: %d   Personas: %d\n", st.Records, st.Personas)
		if st.DraftPending {
			fmt.Printf("Draft: PENDING (run %s) - review with 'forge review-draft'\n", st.DraftRunID)
		} else {
			fmt.Println("Draft: none")
		}
		if st.Snapshot == nil {
			fmt.Println("No cluster snapshot; run 'forge run-clustering' first.")
			return nil
		}

		snap := st.Snapshot
		fmt.Printf("\nSnapshot %s (%s): %d record(s), noise %.1f%%\n",
			snap.RunID, snap.Algorithm, snap.Total, 100*snap.NoiseRatio)
		if snap.Silhouette != nil {
			fmt.Printf("Silhouette: %.3f\n", *snap.Silhouette)
		}
		for _, w := range snap.HealthReports {
			fmt.Printf("Warning: %s\n", w)
		}

		fmt.Println("\nCoverage:")
		for _, cov := range st.Coverage {
			marker := " "
			if cov.Met() {
				marker = "*"
			}
			fmt.Printf("  %s cluster %-4d %d/%d analyzed (%.0f%%), required %d\n",
				marker, cov.ClusterID, cov.Analyzed, cov.Total, 100*cov.Fraction(), cov.Required)
		}
		return nil
	},
}

// prepareBatchCmd previews the batch payloads for one cluster.
var prepareBatchCmd = &cobra.Command{
	Use:   "prepare-batch [cluster-id]",
	Short: "Preview the analysis batches for a cluster",
	Long: `Shows how a cluster's unanalyzed members would be split into bounded
analysis requests, without calling the analysis service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clusterID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("cluster id must be an integer: %q", args[0])
		}

		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		requests, err := p.PrepareBatches(clusterID)
		if err != nil {
			return err
		}
		if len(requests) == 0 {
			fmt.Printf("Cluster %d is fully analyzed; nothing to prepare.\n", clusterID)
			return nil
		}
		for _, req := range requests {
			fmt.Printf("Batch %s (%d/%d): %d sample(s)\n", req.BatchID, req.Seq+1, req.SeqTotal, len(req.SampleIDs))
		}
		return nil
	},
}

// runAnalysisCmd runs the full analysis pass and parks a draft.
var runAnalysisCmd = &cobra.Command{
	Use:   "run-analysis [cluster-id...]",
	Short: "Analyze clusters concurrently and create a review draft",
	Long: `Dispatches every prepared batch to the analysis service over a bounded
worker pool, consolidates the proposed personas across clusters, and
stores the result as the pending draft. Clusters that fail after retries
are reported in the draft without blocking the others.

With cluster ids given, only those clusters are analyzed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		only := make([]int, 0, len(args))
		for _, a := range args {
			id, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("cluster id must be an integer: %q", a)
			}
			only = append(only, id)
		}

		ctx, cancel := commandContext()
		defer cancel()

		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		d, err := p.RunAnalysis(ctx, only...)
		if err != nil {
			return err
		}

		logger.Info("Analysis run complete",
			zap.String("run_id", d.RunID),
			zap.Int("personas", len(d.MergedPersonas)),
			zap.Int("failed_clusters", len(d.ErrorsByCluster)))
		fmt.Printf("Run %s: %d persona(s) proposed, %d cluster(s) failed.\n",
			d.RunID, len(d.MergedPersonas), len(d.ErrorsByCluster))
		fmt.Println("Review with 'forge review-draft'.")
		return nil
	},
}
