package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/wire"
)

func TestComplete(t *testing.T) {
	var got wire.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(wire.ChatResponse{Response: "Hello there"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Complete(context.Background(), wire.ChatRequest{
		Provider:    "ollama",
		ModelID:     "llama3",
		Messages:    []wire.ChatMessage{{Role: "user", Content: "Hi"}},
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there", resp)
	require.Equal(t, "llama3", got.ModelID)
	require.Empty(t, got.CorrelationID)
}

func TestCompleteBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"model not loaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Complete(context.Background(), wire.ChatRequest{Provider: "ollama"})
	require.ErrorIs(t, err, chat.ErrBackend)
	require.Contains(t, err.Error(), "model not loaded")
}

func TestCompleteUnreachableBackend(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.Complete(context.Background(), wire.ChatRequest{Provider: "ollama"})
	require.ErrorIs(t, err, chat.ErrConnection)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(wire.ModelList{Models: []wire.Model{
			{ID: "llama3", Name: "Llama 3", Provider: "ollama", ContextLength: 8192},
			{ID: "gpt2", Name: "GPT-2", Provider: "huggingface"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "llama3", models[0].ID)
	require.Equal(t, 8192, models[0].ContextLength)
}

func TestListModelsMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ListModels(context.Background())
	require.ErrorIs(t, err, chat.ErrProtocol)
}
