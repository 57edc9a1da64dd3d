// Package dispatch fans cluster analysis requests out to the LLM service
// over a bounded worker pool and aggregates per-cluster results. One
// cluster's failure never blocks or aborts its siblings; the caller gets
// every submitted cluster back exactly once, as a result or an error.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"personaforge/internal/batch"
	"personaforge/internal/config"
	"personaforge/internal/jsonrepair"
	"personaforge/internal/llm"
	"personaforge/internal/logging"
	"personaforge/internal/types"
)

const systemPrompt = `You are a writing style analyst. You identify distinct
writing personas in batches of short text samples and score them against a
fixed calibration scale. You respond only with JSON matching the requested
schema.`

// Dispatcher runs analysis requests concurrently with per-call timeouts
// and bounded retries.
type Dispatcher struct {
	client      llm.Client
	policy      llm.RetryPolicy
	workers     int
	callTimeout time.Duration
}

// New creates a dispatcher from configuration.
func New(client llm.Client, cfg config.DispatchConfig) (*Dispatcher, error) {
	callTimeout, err := time.ParseDuration(cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("dispatch.call_timeout: %w", err)
	}
	backoff, err := time.ParseDuration(cfg.BackoffBase)
	if err != nil {
		return nil, fmt.Errorf("dispatch.backoff_base: %w", err)
	}
	return &Dispatcher{
		client:      client,
		policy:      llm.DefaultRetryPolicy(cfg.MaxRetries, backoff),
		workers:     cfg.Workers,
		callTimeout: callTimeout,
	}, nil
}

// Outcome aggregates one run. Every cluster id submitted appears in
// exactly one of the two maps.
type Outcome struct {
	Results map[int]*types.AnalysisResult
	Errors  map[int]error
}

// Run dispatches all requests and blocks until every worker has finished
// (success or exhausted retries). The group never cancels on worker
// error; a timed-out request is abandoned without touching its siblings.
func (d *Dispatcher) Run(ctx context.Context, requests []batch.Request) *Outcome {
	timer := logging.StartTimer(logging.CategoryDispatch, "Run")
	defer timer.StopWithInfo()

	outcome := &Outcome{
		Results: make(map[int]*types.AnalysisResult),
		Errors:  make(map[int]error),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	logging.Dispatch("dispatching %d request(s) with %d workers", len(requests), d.workers)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			result, err := d.analyzeOne(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A later sub-batch failure outweighs earlier partial
				// success: the cluster's coverage accounting cannot
				// trust a partial result set.
				outcome.Errors[req.ClusterID] = err
				delete(outcome.Results, req.ClusterID)
				return nil
			}
			if _, failed := outcome.Errors[req.ClusterID]; failed {
				return nil
			}
			if prev, ok := outcome.Results[req.ClusterID]; ok {
				mergeResults(prev, result)
			} else {
				outcome.Results[req.ClusterID] = result
			}
			return nil
		})
	}

	// Synchronization barrier: consolidation and ingestion must never see
	// a partial set, and a future run must never mix with this one.
	_ = g.Wait()

	logging.Dispatch("run complete: %d succeeded, %d failed", len(outcome.Results), len(outcome.Errors))
	return outcome
}

// analyzeOne performs the full call-parse-repair cycle for one request.
func (d *Dispatcher) analyzeOne(ctx context.Context, req batch.Request) (*types.AnalysisResult, error) {
	prompt := req.Prompt()

	raw, err := d.complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	result, parseErr := parseResponse(req, raw)
	if parseErr == nil {
		return result, nil
	}

	// Repair is exhausted; escalate to the stricter schema-only prompt
	// exactly once before giving up on this cluster.
	logging.Get(logging.CategoryDispatch).Warn("cluster %d batch %s: %v; retrying with strict prompt",
		req.ClusterID, req.BatchID, parseErr)
	raw, err = d.complete(ctx, systemPrompt, batch.StrictRetryInstructions+"\n\n## Samples\n\n"+samplesSection(req))
	if err != nil {
		return nil, err
	}
	result, parseErr = parseResponse(req, raw)
	if parseErr != nil {
		return nil, &types.MalformedResponseError{ClusterID: req.ClusterID, Detail: parseErr.Error()}
	}
	return result, nil
}

// complete calls the service under the retry policy, applying the
// per-call timeout to each attempt individually.
func (d *Dispatcher) complete(ctx context.Context, system, user string) (string, error) {
	var out string
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		var err error
		out, err = d.client.CompleteWithSystem(callCtx, system, user)
		if err != nil && callCtx.Err() == context.DeadlineExceeded {
			return &types.TransientServiceError{Service: "analysis", Err: callCtx.Err()}
		}
		return err
	})
	return out, err
}

// responsePayload mirrors the JSON shape demanded by the schema
// instructions.
type responsePayload struct {
	Personas []struct {
		Name            string             `json:"name"`
		Description     string             `json:"description"`
		Characteristics map[string]float64 `json:"characteristics"`
	} `json:"personas"`
	Assignments []struct {
		SampleID    string `json:"sample_id"`
		PersonaName string `json:"persona_name"`
	} `json:"assignments"`
}

// parseResponse extracts, validates, and converts one model response.
func parseResponse(req batch.Request, raw string) (*types.AnalysisResult, error) {
	res := jsonrepair.Extract(raw)
	if !res.OK {
		return nil, fmt.Errorf("unparseable response: %s", res.Detail)
	}
	if ok, reason := jsonrepair.ValidateAnalysis(res.Data); !ok {
		return nil, fmt.Errorf("schema violation: %s", reason)
	}

	var payload responsePayload
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if res.Repaired {
		logging.DispatchDebug("cluster %d batch %s: response repaired", req.ClusterID, req.BatchID)
	}

	// Drop assignments for ids the model invented; the prompt forbids
	// them but truncation repair can resurrect garbage.
	known := make(map[string]bool, len(req.SampleIDs))
	for _, id := range req.SampleIDs {
		known[id] = true
	}

	result := &types.AnalysisResult{
		ClusterID: req.ClusterID,
		BatchID:   req.BatchID,
		Repaired:  res.Repaired,
	}
	for _, p := range payload.Personas {
		result.Personas = append(result.Personas, types.PersonaDescriptor{
			Name:            p.Name,
			Description:     p.Description,
			Characteristics: p.Characteristics,
		})
	}
	for _, a := range payload.Assignments {
		if !known[a.SampleID] {
			logging.DispatchDebug("cluster %d: dropping assignment for unknown sample %q", req.ClusterID, a.SampleID)
			continue
		}
		result.Assignments = append(result.Assignments, types.Assignment{
			SampleID:    a.SampleID,
			PersonaName: a.PersonaName,
		})
	}
	return result, nil
}

// mergeResults folds a later sub-batch result into the cluster's
// aggregate. Personas are de-duplicated by name only; semantic merging
// is the consolidator's job.
func mergeResults(dst, src *types.AnalysisResult) {
	seen := make(map[string]bool, len(dst.Personas))
	for _, p := range dst.Personas {
		seen[p.Name] = true
	}
	for _, p := range src.Personas {
		if !seen[p.Name] {
			dst.Personas = append(dst.Personas, p)
			seen[p.Name] = true
		}
	}
	dst.Assignments = append(dst.Assignments, src.Assignments...)
	dst.Repaired = dst.Repaired || src.Repaired
}

func samplesSection(req batch.Request) string {
	var b []byte
	for i, id := range req.SampleIDs {
		b = append(b, fmt.Sprintf("[%s]\n%s\n\n", id, req.Texts[i])...)
	}
	return string(b)
}
