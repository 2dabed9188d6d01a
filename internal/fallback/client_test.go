package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(content string, tokens int) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "gen-1",
		"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"total_tokens": tokens},
	})
	return string(b)
}

func TestAnswerStructured(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, completion(`{"message":"Sales fell due to churn","suggestions":["Monthly churn"],"confidence":0.8}`, 321))
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL, "test/model", nil)
	ans, err := c.Answer(context.Background(), Request{
		Query:        "why did sales drop",
		Role:         "causal_inference",
		Descriptions: []string{"Monthly churn"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Sales fell due to churn", ans.Message)
	assert.Equal(t, []string{"Monthly churn"}, ans.Suggestions)
	assert.EqualValues(t, 321, ans.TokensUsed)
	assert.InDelta(t, 0.8, ans.Confidence, 1e-9)

	assert.Equal(t, "test/model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[0].Content, "- Monthly churn")
	assert.Equal(t, "[causal_inference] why did sales drop", got.Messages[1].Content)
}

func TestAnswerPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completion("just text", 10))
	}))
	defer srv.Close()

	ans, err := NewClient("k", srv.URL, "m", nil).Answer(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "just text", ans.Message)
	assert.Equal(t, unstructuredConfidence, ans.Confidence)
}

func TestAnswerRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completion(`{"message":"ok","confidence":1}`, 5))
	}))
	defer srv.Close()

	ans, err := NewClient("k", srv.URL, "m", nil).Answer(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", ans.Message)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnswerGivesUpOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL, "m", nil).Answer(context.Background(), Request{Query: "q"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "500"))
	assert.EqualValues(t, 1, calls.Load(), "only 429 is retried")
}

func TestAnswerRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewClient("k", srv.URL, "m", nil).Answer(ctx, Request{Query: "q"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled.Answer(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
