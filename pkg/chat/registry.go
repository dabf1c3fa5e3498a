package chat

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/wire"
)

// Known backend providers. The bridge rejects anything else, so we
// refuse it before sending.
var knownProviders = map[string]bool{
	"ollama":      true,
	"huggingface": true,
}

// GenerationParams are the sampling settings captured by a generation
// when it starts. Temperature and TopP are clamped to [0,1], matching
// the backend's request schema.
type GenerationParams struct {
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	TopP             float64 `json:"top_p" yaml:"top_p"`
	StreamingEnabled bool    `json:"streaming_enabled" yaml:"streaming_enabled"`
	SystemPrompt     string  `json:"system_prompt" yaml:"system_prompt"`
}

// DefaultParams mirrors the backend schema defaults.
func DefaultParams() GenerationParams {
	return GenerationParams{
		Temperature:      0.7,
		MaxTokens:        1024,
		TopP:             0.9,
		StreamingEnabled: true,
	}
}

// ParamsUpdate is a partial update; nil fields are left untouched.
type ParamsUpdate struct {
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	StreamingEnabled *bool
	SystemPrompt     *string
}

// Registry holds the currently selected model and validated generation
// parameters. Updates are optimistic: they take effect immediately and
// never touch a generation that already captured its copy.
type Registry struct {
	mu     sync.Mutex
	model  *wire.Model
	params GenerationParams
}

func NewRegistry() *Registry {
	return &Registry{params: DefaultParams()}
}

// SetModel replaces the selected model. In-flight generations keep the
// model reference they captured at start.
func (r *Registry) SetModel(m *wire.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m == nil {
		r.model = nil
		return
	}
	c := *m
	r.model = &c
}

// Model returns a copy of the selected model, or nil when none is set.
func (r *Registry) Model() *wire.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	c := *r.model
	return &c
}

// Params returns the current generation parameters.
func (r *Registry) Params() GenerationParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// SetParams validates and applies a partial update. Out-of-range values
// are clamped to their documented range; values that cannot be clamped
// meaningfully (NaN, Inf, non-positive max tokens) are rejected with
// ErrValidation and nothing is applied.
func (r *Registry) SetParams(u ParamsUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.params
	if u.Temperature != nil {
		t := *u.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return errors.Wrap(ErrValidation, "temperature is not a number")
		}
		next.Temperature = clamp(t, 0, 1)
	}
	if u.TopP != nil {
		p := *u.TopP
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return errors.Wrap(ErrValidation, "top_p is not a number")
		}
		next.TopP = clamp(p, 0, 1)
	}
	if u.MaxTokens != nil {
		if *u.MaxTokens <= 0 {
			return errors.Wrapf(ErrValidation, "max_tokens must be positive, got %d", *u.MaxTokens)
		}
		next.MaxTokens = *u.MaxTokens
	}
	if u.StreamingEnabled != nil {
		next.StreamingEnabled = *u.StreamingEnabled
	}
	if u.SystemPrompt != nil {
		next.SystemPrompt = *u.SystemPrompt
	}

	r.params = next
	return nil
}

// ReplaceParams swaps the full parameter set, clamping ranges. Used
// when restoring persisted settings.
func (r *Registry) ReplaceParams(p GenerationParams) error {
	if math.IsNaN(p.Temperature) || math.IsInf(p.Temperature, 0) ||
		math.IsNaN(p.TopP) || math.IsInf(p.TopP, 0) {
		return errors.Wrap(ErrValidation, "sampling parameter is not a number")
	}
	if p.MaxTokens <= 0 {
		return errors.Wrapf(ErrValidation, "max_tokens must be positive, got %d", p.MaxTokens)
	}
	p.Temperature = clamp(p.Temperature, 0, 1)
	p.TopP = clamp(p.TopP, 0, 1)
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
	return nil
}

// ValidateProvider rejects providers the bridge does not route.
func ValidateProvider(provider string) error {
	if !knownProviders[provider] {
		return errors.Wrapf(ErrValidation, "unsupported provider %q", provider)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
