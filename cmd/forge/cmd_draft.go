package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personaforge/internal/draft"
	"personaforge/internal/registry"
	"personaforge/internal/types"
)

var (
	approveDryRun bool
	approveForce  bool
)

// reviewDraftCmd prints the pending draft.
var reviewDraftCmd = &cobra.Command{
	Use:   "review-draft",
	Short: "Show the pending draft for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		d, ok, err := p.PendingDraft()
		if err != nil {
			return err
		}
		if !ok {
			return &types.NotFoundError{Kind: "draft"}
		}
		fmt.Print(draft.Summarize(d))
		return nil
	},
}

// approveCmd commits the pending draft to the registry.
var approveCmd = &cobra.Command{
	Use:   "approve-draft",
	Short: "Approve the pending draft and commit it to the registry",
	Long: `Runs the coverage gate, then commits the draft's personas and sample
attributions to the registry and frees the draft slot. Refuses when any
analyzed cluster falls short of its required coverage; --force bypasses
the gate, --dry-run reports the changes without committing.`,
	RunE: runIngest,
}

// ingestCmd is the explicit ingestion form of approval.
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest the pending draft into the registry",
	Long: `Identical to approve-draft: commits the pending draft. Kept as a
separate verb for scripting against the registry.`,
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	p, s, err := openPipeline()
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := p.Approve(registry.Options{DryRun: approveDryRun, Force: approveForce})
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Println("Dry run; nothing committed.")
	}
	for _, change := range report.Personas {
		verb := "updated"
		if change.Created {
			verb = "created"
		}
		fmt.Printf("Persona %-24s %s: +%d sample(s), %d total, confidence %.2f\n",
			change.Name, verb, change.NewSamples, change.TotalSamples, change.Confidence)
	}
	if len(report.SkippedSamples) > 0 {
		fmt.Printf("Skipped %d sample(s) already attributed elsewhere (use --force to move them).\n",
			len(report.SkippedSamples))
	}
	if report.MergesRecorded > 0 {
		fmt.Printf("Recorded %d merge(s) in history.\n", report.MergesRecorded)
	}
	logger.Info("Draft ingested",
		zap.String("run_id", report.RunID),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("personas", len(report.Personas)))
	return nil
}

// rejectCmd discards the pending draft.
var rejectCmd = &cobra.Command{
	Use:   "reject-draft",
	Short: "Discard the pending draft",
	Long: `Frees the draft slot without committing anything. The underlying
records stay unanalyzed, so the next run re-proposes from scratch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		d, err := p.Reject()
		if err != nil {
			return err
		}
		fmt.Printf("Draft %s rejected.\n", d.RunID)
		return nil
	},
}

// registryCmd prints the approved registry.
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Show the approved persona registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, s, err := openPipeline()
		if err != nil {
			return err
		}
		defer s.Close()

		reg, err := p.Registry()
		if err != nil {
			return err
		}

		fmt.Printf("Personas: %d   Samples: %d   Unassigned: %d\n\n",
			len(reg.Personas), len(reg.Samples), len(reg.UnassignedIDs))
		for _, persona := range reg.Personas {
			fmt.Printf("%-24s confidence %.2f, %d sample(s)\n", persona.Name, persona.Confidence, len(persona.SampleIDs))
			if persona.Description != "" {
				fmt.Printf("  %s\n", persona.Description)
			}
		}
		if len(reg.MergeHistory) > 0 {
			fmt.Printf("\nMerge history (%d):\n", len(reg.MergeHistory))
			for _, m := range reg.MergeHistory {
				fmt.Printf("  %s: %q absorbed %q (similarity %.2f)\n", m.RunID, m.KeptName, m.MergedName, m.Similarity)
			}
		}
		return nil
	},
}
