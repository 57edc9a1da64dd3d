package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"personaforge/internal/config"
	"personaforge/internal/embedding"
	"personaforge/internal/llm"
	"personaforge/internal/logging"
	"personaforge/internal/pipeline"
	"personaforge/internal/store"
	"personaforge/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "personaforge - writing-style persona segmentation pipeline",
	Long: `personaforge discovers writing-style personas in a text corpus.

It embeds every record, clusters the embedding space, analyzes each
cluster's samples in bounded concurrent batches, consolidates the
proposed personas across clusters, and parks the result as a draft for
operator review. Approved drafts are committed to a durable persona
registry.

Typical flow:
  forge ingest-corpus samples.jsonl
  forge run-clustering
  forge cluster-status
  forge run-analysis
  forge review-draft
  forge approve-draft`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Secrets may live in a local .env; a missing file is fine.
		_ = godotenv.Load()

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	approveCmd.Flags().BoolVar(&approveDryRun, "dry-run", false, "Report changes without committing")
	approveCmd.Flags().BoolVar(&approveForce, "force", false, "Bypass the coverage gate and reattribute samples")
	ingestCmd.Flags().BoolVar(&approveDryRun, "dry-run", false, "Report changes without committing")
	ingestCmd.Flags().BoolVar(&approveForce, "force", false, "Bypass the coverage gate and reattribute samples")

	rootCmd.AddCommand(ingestCorpusCmd)
	rootCmd.AddCommand(runClusteringCmd)
	rootCmd.AddCommand(clusterStatusCmd)
	rootCmd.AddCommand(prepareBatchCmd)
	rootCmd.AddCommand(runAnalysisCmd)
	rootCmd.AddCommand(reviewDraftCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(registryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto shell conventions: refusals the
// operator can address (coverage shortfall, pending draft, unknown id)
// exit 2, everything else 1.
func exitCode(err error) int {
	var validation *types.ValidationError
	var conflict *types.ConflictError
	var notFound *types.NotFoundError
	if errors.As(err, &validation) || errors.As(err, &conflict) || errors.As(err, &notFound) {
		return 2
	}
	return 1
}

// resolveWorkspace returns the workspace root for this invocation.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// openPipeline loads configuration, initializes categorized logging, and
// assembles the pipeline. The caller owns the returned store.
func openPipeline() (*pipeline.Pipeline, *store.Store, error) {
	ws := resolveWorkspace()
	cfg, err := config.Load(ws)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(ws, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, nil, err
	}

	s, err := store.Open(cfg.ResolveDBPath(ws))
	if err != nil {
		return nil, nil, err
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	p, err := pipeline.New(cfg, s, embedder, client)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return p, s, nil
}

// commandContext returns a context honoring the timeout flag and SIGINT.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
