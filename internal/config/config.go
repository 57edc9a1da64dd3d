// Package config loads and validates personaforge configuration from
// .forge/config.yaml in the workspace. All thresholds the pipeline uses
// live here as named fields; no stage hardcodes its own copy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all personaforge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Clustering    ClusteringConfig    `yaml:"clustering"`
	Batch         BatchConfig         `yaml:"batch"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// LLMConfig configures the analysis service client.
type LLMConfig struct {
	Provider string  `yaml:"provider"` // "openai-compatible" or "genai"
	APIKey   string  `yaml:"api_key"`
	Model    string  `yaml:"model"`
	BaseURL  string  `yaml:"base_url"`
	Timeout  string  `yaml:"timeout"`
	RateRPS  float64 `yaml:"rate_rps"` // client-side requests per second
}

// ClusteringConfig holds the cluster engine parameters and the advisory
// health thresholds.
type ClusteringConfig struct {
	// MinDensitySize is the record count at which DBSCAN is preferred
	// over k-means.
	MinDensitySize int     `yaml:"min_density_size"`
	Eps            float64 `yaml:"eps"`        // DBSCAN neighborhood radius (cosine distance)
	MinPoints      int     `yaml:"min_points"` // DBSCAN core-point threshold
	KMin           int     `yaml:"k_min"`      // k-means clamp lower bound
	KMax           int     `yaml:"k_max"`      // k-means clamp upper bound
	Seed           int64   `yaml:"seed"`       // deterministic k-means init

	// Health thresholds (advisory, non-blocking).
	FewClusters    int     `yaml:"few_clusters"`
	ManyClusters   int     `yaml:"many_clusters"`
	HighNoise      float64 `yaml:"high_noise"`
	ModerateNoise  float64 `yaml:"moderate_noise"`
	LowSilhouette  float64 `yaml:"low_silhouette"`
	ExemplarsPerCl int     `yaml:"exemplars_per_cluster"`
}

// BatchConfig holds coverage-gating and batch-sizing parameters.
type BatchConfig struct {
	// CoverageTarget is the fraction of a cluster that must be analyzed
	// before its batch may commit.
	CoverageTarget float64 `yaml:"coverage_target"`
	// MaxPerRequest caps samples per analysis request.
	MaxPerRequest int `yaml:"max_per_request"`
}

// DispatchConfig holds the worker pool and retry parameters.
type DispatchConfig struct {
	Workers     int    `yaml:"workers"`
	MaxRetries  int    `yaml:"max_retries"`
	CallTimeout string `yaml:"call_timeout"`
	BackoffBase string `yaml:"backoff_base"`
}

// ConsolidationConfig holds persona de-duplication parameters.
type ConsolidationConfig struct {
	// MergeThreshold is the cosine similarity at or above which two
	// proposed personas are considered the same.
	MergeThreshold float64 `yaml:"merge_threshold"`
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	// DBPath is relative to the workspace unless absolute.
	DBPath string `yaml:"db_path"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the configuration defaults. The numeric thresholds here
// are the single source of truth for the whole pipeline.
func Default() *Config {
	return &Config{
		Name:    "personaforge",
		Version: "0.3.0",
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "CLUSTERING",
		},
		LLM: LLMConfig{
			Provider: "openai-compatible",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
			RateRPS:  2,
		},
		Clustering: ClusteringConfig{
			MinDensitySize: 20,
			Eps:            0.35,
			MinPoints:      4,
			KMin:           3,
			KMax:           7,
			Seed:           42,
			FewClusters:    3,
			ManyClusters:   10,
			HighNoise:      0.30,
			ModerateNoise:  0.10,
			LowSilhouette:  0.15,
			ExemplarsPerCl: 3,
		},
		Batch: BatchConfig{
			CoverageTarget: 0.8,
			MaxPerRequest:  150,
		},
		Dispatch: DispatchConfig{
			Workers:     5,
			MaxRetries:  2,
			CallTimeout: "120s",
			BackoffBase: "1s",
		},
		Consolidation: ConsolidationConfig{
			MergeThreshold: 0.80,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(".forge", "forge.db"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads .forge/config.yaml from the workspace, applies it over the
// defaults, then applies environment overrides. A missing file is not an
// error; defaults apply.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".forge", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to .forge/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".forge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// applyEnv applies environment variable overrides for secrets so keys
// never have to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FORGE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("FORGE_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("FORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("FORGE_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if os.Getenv("FORGE_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Batch.CoverageTarget <= 0 || c.Batch.CoverageTarget > 1 {
		return fmt.Errorf("batch.coverage_target must be in (0,1], got %v", c.Batch.CoverageTarget)
	}
	if c.Batch.MaxPerRequest <= 0 {
		return fmt.Errorf("batch.max_per_request must be positive, got %d", c.Batch.MaxPerRequest)
	}
	if c.Clustering.KMin < 2 || c.Clustering.KMax < c.Clustering.KMin {
		return fmt.Errorf("clustering k bounds invalid: [%d,%d]", c.Clustering.KMin, c.Clustering.KMax)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Consolidation.MergeThreshold <= 0 || c.Consolidation.MergeThreshold > 1 {
		return fmt.Errorf("consolidation.merge_threshold must be in (0,1], got %v", c.Consolidation.MergeThreshold)
	}
	if _, err := c.CallTimeout(); err != nil {
		return err
	}
	if _, err := c.BackoffBase(); err != nil {
		return err
	}
	return nil
}

// CallTimeout parses the per-call dispatch timeout.
func (c *Config) CallTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Dispatch.CallTimeout)
	if err != nil {
		return 0, fmt.Errorf("dispatch.call_timeout: %w", err)
	}
	return d, nil
}

// BackoffBase parses the retry backoff base interval.
func (c *Config) BackoffBase() (time.Duration, error) {
	d, err := time.ParseDuration(c.Dispatch.BackoffBase)
	if err != nil {
		return 0, fmt.Errorf("dispatch.backoff_base: %w", err)
	}
	return d, nil
}

// ResolveDBPath returns the absolute database path for a workspace.
func (c *Config) ResolveDBPath(workspace string) string {
	if filepath.IsAbs(c.Storage.DBPath) {
		return c.Storage.DBPath
	}
	return filepath.Join(workspace, c.Storage.DBPath)
}
