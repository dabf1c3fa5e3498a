// Package client implements the backend's request/response surface:
// one-shot completions and model listing.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/wire"
)

// Client talks to the model bridge over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Complete runs a single non-streaming completion.
func (c *Client) Complete(ctx context.Context, req wire.ChatRequest) (string, error) {
	req.CorrelationID = ""
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "marshal chat request")
	}

	log.Info().
		Str("provider", req.Provider).
		Str("model_id", req.ModelID).
		Int("messages", len(req.Messages)).
		Msg("sending one-shot chat request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.Wrapf(chat.ErrConnection, "chat request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Wrapf(chat.ErrBackend, "chat request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out wire.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrapf(chat.ErrProtocol, "decode chat response: %v", err)
	}
	return out.Response, nil
}

// ListModels returns the models the backend advertises.
func (c *Client) ListModels(ctx context.Context) ([]wire.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build models request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(chat.ErrConnection, "models request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Wrapf(chat.ErrBackend, "models request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out wire.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(chat.ErrProtocol, "decode model list: %v", err)
	}
	log.Debug().Int("models", len(out.Models)).Msg("fetched model list")
	return out.Models, nil
}
