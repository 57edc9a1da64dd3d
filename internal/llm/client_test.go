package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personaforge/internal/config"
	"personaforge/internal/types"
)

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(config.LLMConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: srv.URL,
		Timeout: "5s",
		RateRPS: 1000, // no throttling in tests
	})
	require.NoError(t, err)
	return client
}

func completionBody(content string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return body
}

func TestCompleteWithSystem(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write(completionBody("  hello  "))
	})

	out, err := client.CompleteWithSystem(context.Background(), "be terse", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out, "response is trimmed")
	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestRateLimitIsTransient(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestClientErrorIsPermanent(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))
}

func TestMissingAPIKeyFailsFast(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	client.apiKey = ""

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}
