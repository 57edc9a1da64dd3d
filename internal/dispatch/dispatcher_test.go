package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"personaforge/internal/batch"
	"personaforge/internal/config"
	"personaforge/internal/types"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in via the genai dependency chain) starts a
	// background stats worker that never exits.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedClient routes completions by inspecting the prompt for sample
// ids, so concurrent requests get deterministic per-cluster behavior.
type scriptedClient struct {
	mu sync.Mutex
	// respond maps a marker substring to either a response or an error.
	responses map[string]string
	errors    map[string]error
	calls     map[string]int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for marker, err := range c.errors {
		if strings.Contains(user, marker) {
			c.calls[marker]++
			return "", err
		}
	}
	for marker, resp := range c.responses {
		if strings.Contains(user, marker) {
			c.calls[marker]++
			return resp, nil
		}
	}
	return "", errors.New("no script for prompt")
}

func newScripted() *scriptedClient {
	return &scriptedClient{
		responses: make(map[string]string),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

func validResponse(sampleID string) string {
	return fmt.Sprintf(`{
		"personas": [{"name": "Terse Reporter", "description": "Short factual sentences.", "characteristics": {"formality": 0.6}}],
		"assignments": [{"sample_id": "%s", "persona_name": "Terse Reporter"}]
	}`, sampleID)
}

func makeRequest(clusterID int) batch.Request {
	id := fmt.Sprintf("s%d", clusterID)
	return batch.Request{
		BatchID:   fmt.Sprintf("batch-%d", clusterID),
		ClusterID: clusterID,
		SampleIDs: []string{id},
		Texts:     []string{"sample text"},
		Schema:    batch.SchemaInstructions,
		SeqTotal:  1,
	}
}

func testDispatcher(t *testing.T, client *scriptedClient) *Dispatcher {
	t.Helper()
	cfg := config.Default().Dispatch
	cfg.BackoffBase = "1ms"
	cfg.CallTimeout = "1s"
	d, err := New(client, cfg)
	require.NoError(t, err)
	return d
}

func TestRunAggregatesSuccessesAndFailures(t *testing.T) {
	// Five clusters, cluster 3 always fails: exactly 4 successes and 1
	// labeled error, no cluster id missing.
	client := newScripted()
	var requests []batch.Request
	for i := 1; i <= 5; i++ {
		requests = append(requests, makeRequest(i))
		if i == 3 {
			client.errors["s3"] = &types.TransientServiceError{Service: "analysis", Err: errors.New("503")}
		} else {
			client.responses[fmt.Sprintf("s%d", i)] = validResponse(fmt.Sprintf("s%d", i))
		}
	}

	outcome := testDispatcher(t, client).Run(context.Background(), requests)

	assert.Len(t, outcome.Results, 4)
	assert.Len(t, outcome.Errors, 1)
	require.Contains(t, outcome.Errors, 3)
	for i := 1; i <= 5; i++ {
		_, inResults := outcome.Results[i]
		_, inErrors := outcome.Errors[i]
		assert.True(t, inResults != inErrors, "cluster %d must be in exactly one map", i)
	}
	// Persistent failure consumed the full retry budget.
	assert.Equal(t, 3, client.calls["s3"], "initial attempt + 2 retries")
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	req := makeRequest(1)

	attempts := 0
	flaky := &flakyClient{failures: 2, response: validResponse("s1"), attempts: &attempts}

	cfg := config.Default().Dispatch
	cfg.BackoffBase = "1ms"
	d, err := New(flaky, cfg)
	require.NoError(t, err)

	outcome := d.Run(context.Background(), []batch.Request{req})
	require.Len(t, outcome.Results, 1)
	assert.Empty(t, outcome.Errors)
	assert.Equal(t, 3, attempts)
}

type flakyClient struct {
	mu       sync.Mutex
	failures int
	response string
	attempts *int
}

func (c *flakyClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *flakyClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.attempts++
	if c.failures > 0 {
		c.failures--
		return "", &types.TransientServiceError{Service: "analysis", Err: errors.New("reset")}
	}
	return c.response, nil
}

func TestMalformedResponseTriggersStrictRetry(t *testing.T) {
	// First answer is prose with no JSON; the strict retry prompt gets a
	// valid document.
	client := &strictRetryClient{
		first:  "I'm sorry, I can't produce JSON for that.",
		second: validResponse("s1"),
	}
	cfg := config.Default().Dispatch
	cfg.BackoffBase = "1ms"
	d, err := New(client, cfg)
	require.NoError(t, err)

	outcome := d.Run(context.Background(), []batch.Request{makeRequest(1)})
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, 2, client.calls)
	assert.True(t, client.sawStrict, "second call must use the strict prompt")
}

func TestMalformedAfterStrictRetryIsEscalated(t *testing.T) {
	client := &strictRetryClient{first: "still prose", second: "more prose"}
	cfg := config.Default().Dispatch
	cfg.BackoffBase = "1ms"
	d, err := New(client, cfg)
	require.NoError(t, err)

	outcome := d.Run(context.Background(), []batch.Request{makeRequest(7)})
	assert.Empty(t, outcome.Results)
	require.Contains(t, outcome.Errors, 7)

	var malformed *types.MalformedResponseError
	require.ErrorAs(t, outcome.Errors[7], &malformed)
	assert.Equal(t, 7, malformed.ClusterID)
}

type strictRetryClient struct {
	mu        sync.Mutex
	first     string
	second    string
	calls     int
	sawStrict bool
}

func (c *strictRetryClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *strictRetryClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		return c.first, nil
	}
	if strings.Contains(user, "not valid JSON") {
		c.sawStrict = true
	}
	return c.second, nil
}

func TestRepairedResponseIsFlagged(t *testing.T) {
	client := newScripted()
	// Trailing comma forces the repair path but still parses.
	client.responses["s1"] = `{"personas": [{"name": "A", "description": "d",}], "assignments": [{"sample_id": "s1", "persona_name": "A"}]}`

	outcome := testDispatcher(t, client).Run(context.Background(), []batch.Request{makeRequest(1)})
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[1].Repaired)
}

func TestInventedSampleIDsAreDropped(t *testing.T) {
	client := newScripted()
	client.responses["s1"] = `{
		"personas": [{"name": "A", "description": "d"}],
		"assignments": [
			{"sample_id": "s1", "persona_name": "A"},
			{"sample_id": "invented", "persona_name": "A"}
		]
	}`

	outcome := testDispatcher(t, client).Run(context.Background(), []batch.Request{makeRequest(1)})
	require.Len(t, outcome.Results, 1)
	require.Len(t, outcome.Results[1].Assignments, 1)
	assert.Equal(t, "s1", outcome.Results[1].Assignments[0].SampleID)
}

func TestSubBatchesMergePerCluster(t *testing.T) {
	client := newScripted()
	client.responses["sub-a"] = `{
		"personas": [{"name": "A", "description": "d"}],
		"assignments": [{"sample_id": "sub-a", "persona_name": "A"}]
	}`
	client.responses["sub-b"] = `{
		"personas": [{"name": "A", "description": "d"}, {"name": "B", "description": "e"}],
		"assignments": [{"sample_id": "sub-b", "persona_name": "B"}]
	}`

	reqs := []batch.Request{
		{BatchID: "b0", ClusterID: 1, SampleIDs: []string{"sub-a"}, Texts: []string{"x"}, Seq: 0, SeqTotal: 2},
		{BatchID: "b1", ClusterID: 1, SampleIDs: []string{"sub-b"}, Texts: []string{"y"}, Seq: 1, SeqTotal: 2},
	}

	outcome := testDispatcher(t, client).Run(context.Background(), reqs)
	require.Len(t, outcome.Results, 1)
	result := outcome.Results[1]
	assert.Len(t, result.Personas, 2, "persona names de-duplicated across sub-batches")
	assert.Len(t, result.Assignments, 2)
}

func TestTimeoutIsRetriedAsTransient(t *testing.T) {
	slow := &slowClient{delay: 50 * time.Millisecond, response: validResponse("s1")}
	cfg := config.Default().Dispatch
	cfg.CallTimeout = "5ms"
	cfg.BackoffBase = "1ms"
	cfg.MaxRetries = 1
	d, err := New(slow, cfg)
	require.NoError(t, err)

	outcome := d.Run(context.Background(), []batch.Request{makeRequest(1)})
	assert.Empty(t, outcome.Results)
	require.Contains(t, outcome.Errors, 1)
	assert.True(t, types.IsTransient(outcome.Errors[1]))
	assert.Equal(t, 2, slow.calls(), "initial attempt + 1 retry")
}

type slowClient struct {
	mu       sync.Mutex
	delay    time.Duration
	response string
	n        int
}

func (c *slowClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *slowClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *slowClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	select {
	case <-time.After(c.delay):
		return c.response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
