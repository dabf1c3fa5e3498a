// Package wire defines the payload shapes exchanged with the model
// bridge backend: the websocket request/stream frames and the REST
// bodies for one-shot completion and model listing.
package wire

// Model describes one entry of the backend's model listing.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// ModelList is the response body of GET /api/models.
type ModelList struct {
	Models []Model `json:"models"`
}

// ChatMessage is one entry of the ordered history sent to the backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the outbound request frame. The same shape serves the
// websocket streaming call and the one-shot POST /api/chat body; only
// the streaming path carries a correlation id.
type ChatRequest struct {
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	Messages      []ChatMessage `json:"messages"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	TopP          float64       `json:"top_p,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// ChatResponse is the one-shot completion response body.
type ChatResponse struct {
	Response string `json:"response"`
}

// StreamFrame is one inbound websocket frame. Exactly one of Token,
// Done or Error is set. CorrelationID is empty when the backend does
// not echo it back.
type StreamFrame struct {
	Token         string `json:"token,omitempty"`
	Done          bool   `json:"done,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
