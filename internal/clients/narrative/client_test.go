package narrative

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "describe the outlook", body["prompt"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary": "steady growth", "confidence": 0.8}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())

	var out struct {
		Summary    string  `json:"summary"`
		Confidence float64 `json:"confidence"`
	}
	err := client.GenerateJSON(context.Background(), "describe the outlook", &out)
	require.NoError(t, err)
	assert.Equal(t, "steady growth", out.Summary)
	assert.Equal(t, 0.8, out.Confidence)
}

func TestGenerateJSONServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())

	var out map[string]any
	err := client.GenerateJSON(context.Background(), "prompt", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGenerateJSONMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())

	var out map[string]any
	err := client.GenerateJSON(context.Background(), "prompt", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse narrative response")
}

func TestGenerateJSONUnconfigured(t *testing.T) {
	client := NewClient("", zerolog.Nop())

	var out map[string]any
	err := client.GenerateJSON(context.Background(), "prompt", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
