package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/wire"
)

// FrameHandler consumes inbound stream frames. err is non-nil exactly
// once, when the transport fails irrecoverably; the handler is
// unregistered after that delivery.
type FrameHandler func(frame wire.StreamFrame, err error)

// Conn is the shared streaming connection as the coordinator sees it.
// Implemented by connection.Manager and injected as a dependency.
type Conn interface {
	Connect(ctx context.Context) error
	Send(req wire.ChatRequest) error
	Subscribe(h FrameHandler) error
	Unsubscribe()
}

// Completer is the one-shot request/response path.
type Completer interface {
	Complete(ctx context.Context, req wire.ChatRequest) (string, error)
}

const (
	// DefaultIdleTimeout bounds how long a streaming generation waits
	// between frames before failing with ErrTimeout.
	DefaultIdleTimeout = 60 * time.Second

	titleLimit = 30
)

// Coordinator drives one generation end-to-end: it appends the user
// message, opens the stream, applies inbound tokens to the trailing
// assistant message and enforces the single-generation policy.
//
// Generation state and correlation id are tracked per session, but the
// stream endpoint is a shared singleton: while any session has a
// non-idle generation, a new one for any session fails with ErrBusy.
type Coordinator struct {
	store       *Store
	registry    *Registry
	conn        Conn
	completer   Completer
	idleTimeout time.Duration

	mu   sync.Mutex
	gens map[string]*generation
}

type generation struct {
	state         GenerationState
	correlationID string
	placeholderID string
	cancel        context.CancelFunc
	stopped       bool
}

type frameEvent struct {
	frame wire.StreamFrame
	err   error
}

type CoordinatorOption func(*Coordinator)

func WithIdleTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

func NewCoordinator(store *Store, registry *Registry, conn Conn, completer Completer, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:       store,
		registry:    registry,
		conn:        conn,
		completer:   completer,
		idleTimeout: DefaultIdleTimeout,
		gens:        map[string]*generation{},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// State reports the generation state of a session.
func (c *Coordinator) State(sessionID string) GenerationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens[sessionID]; ok {
		return g.state
	}
	return StateIdle
}

// SendMessage runs one streaming generation for the session and blocks
// until it finalizes. It returns ErrBusy without mutating any state
// when another generation is in flight, and ErrValidation when no
// model is selected. On a connect failure the assistant placeholder is
// removed (it never carried content); the user message is retained.
// A generation ended by Stop returns nil with partial content kept.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, text string) error {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return errors.Wrapf(ErrValidation, "unknown session %s", sessionID)
	}
	model := sess.Model
	if model == nil {
		model = c.registry.Model()
	}
	if model == nil {
		return errors.Wrap(ErrValidation, "no model selected")
	}
	if err := ValidateProvider(model.Provider); err != nil {
		return err
	}
	params := c.registry.Params()
	if !params.StreamingEnabled {
		return c.sendOnce(ctx, sessionID, sess, model, params, text)
	}

	corr := uuid.NewString()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.reserve(sessionID, corr, cancel); err != nil {
		return err
	}

	c.appendUserMessage(sessionID, sess, model, text)

	logger := log.With().Str("session_id", sessionID).Str("correlation_id", corr).Str("model_id", model.ID).Logger()
	logger.Info().Str("preview", preview(text)).Msg("starting streaming generation")

	if err := c.conn.Connect(cctx); err != nil {
		c.finish(sessionID)
		if c.wasStopped(sessionID) {
			return nil
		}
		return err
	}

	frames := make(chan frameEvent, 256)
	handler := func(f wire.StreamFrame, err error) {
		select {
		case frames <- frameEvent{frame: f, err: err}:
		case <-cctx.Done():
		}
	}
	if err := c.conn.Subscribe(handler); err != nil {
		c.finish(sessionID)
		return err
	}
	defer c.conn.Unsubscribe()

	history := c.history(sessionID, params)

	placeholder := NewMessage(RoleAssistant, "")
	if err := c.store.AppendMessage(sessionID, placeholder); err != nil {
		c.finish(sessionID)
		return err
	}
	c.setStreaming(sessionID, placeholder.ID)

	req := wire.ChatRequest{
		Provider:      model.Provider,
		ModelID:       model.ID,
		Messages:      history,
		Temperature:   params.Temperature,
		MaxTokens:     params.MaxTokens,
		TopP:          params.TopP,
		CorrelationID: corr,
	}
	if err := c.conn.Send(req); err != nil {
		_ = c.store.RemoveMessage(sessionID, placeholder.ID)
		c.finish(sessionID)
		return errors.Wrap(err, "send request frame")
	}

	var content strings.Builder
	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-cctx.Done():
			c.finish(sessionID)
			if c.wasStopped(sessionID) {
				logger.Info().Int("chars", content.Len()).Msg("generation stopped, partial content kept")
				return nil
			}
			return cctx.Err()

		case <-idle.C:
			c.finish(sessionID)
			logger.Warn().Dur("idle_timeout", c.idleTimeout).Msg("stream stalled")
			return errors.Wrapf(ErrTimeout, "no frame received for %s", c.idleTimeout)

		case ev := <-frames:
			if ev.err != nil {
				c.finish(sessionID)
				return ev.err
			}
			f := ev.frame
			if f.CorrelationID != "" && f.CorrelationID != corr {
				logger.Warn().Str("frame_correlation_id", f.CorrelationID).Msg("dropping frame with mismatched correlation id")
				continue
			}
			switch {
			case f.Error != "":
				c.finish(sessionID)
				return errors.Wrap(ErrBackend, f.Error)
			case f.Done:
				c.transition(sessionID, StateFinalizing)
				c.finish(sessionID)
				logger.Info().Int("chars", content.Len()).Msg("generation complete")
				return nil
			default:
				content.WriteString(f.Token)
				if err := c.store.UpdateLastMessage(sessionID, content.String()); err != nil {
					c.finish(sessionID)
					return err
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(c.idleTimeout)
			}
		}
	}
}

// SendMessageOnce runs one non-streaming generation: a single blocking
// call that appends the full assistant message on success. Same busy
// policy as SendMessage, no placeholder is ever exposed.
func (c *Coordinator) SendMessageOnce(ctx context.Context, sessionID, text string) error {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return errors.Wrapf(ErrValidation, "unknown session %s", sessionID)
	}
	model := sess.Model
	if model == nil {
		model = c.registry.Model()
	}
	if model == nil {
		return errors.Wrap(ErrValidation, "no model selected")
	}
	if err := ValidateProvider(model.Provider); err != nil {
		return err
	}
	return c.sendOnce(ctx, sessionID, sess, model, c.registry.Params(), text)
}

func (c *Coordinator) sendOnce(ctx context.Context, sessionID string, sess Session, model *wire.Model, params GenerationParams, text string) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.reserve(sessionID, "", cancel); err != nil {
		return err
	}

	c.appendUserMessage(sessionID, sess, model, text)

	log.Info().Str("session_id", sessionID).Str("model_id", model.ID).Str("preview", preview(text)).Msg("starting one-shot generation")

	req := wire.ChatRequest{
		Provider:    model.Provider,
		ModelID:     model.ID,
		Messages:    c.history(sessionID, params),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	}
	response, err := c.completer.Complete(cctx, req)
	if err != nil {
		c.finish(sessionID)
		if c.wasStopped(sessionID) {
			return nil
		}
		return err
	}
	if err := c.store.AppendMessage(sessionID, NewMessage(RoleAssistant, response)); err != nil {
		c.finish(sessionID)
		return err
	}
	c.transition(sessionID, StateFinalizing)
	c.finish(sessionID)
	return nil
}

// Stop cancels the session's in-flight generation, keeping whatever
// content was already applied. It is synchronous in effect — the state
// transitions immediately and the network operation is abandoned, not
// awaited. Stopping an idle session is a no-op.
func (c *Coordinator) Stop(sessionID string) {
	c.mu.Lock()
	g, ok := c.gens[sessionID]
	if !ok || g.state == StateIdle {
		c.mu.Unlock()
		return
	}
	g.state = StateIdle
	g.stopped = true
	g.placeholderID = ""
	cancel := g.cancel
	c.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("stopping generation")
	c.conn.Unsubscribe()
	if cancel != nil {
		cancel()
	}
}

// reserve enforces the single-generation policy and moves the session
// into AwaitingConnection.
func (c *Coordinator) reserve(sessionID, correlationID string, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, g := range c.gens {
		if g.state != StateIdle {
			return errors.Wrapf(ErrBusy, "generation in flight for session %s", sid)
		}
	}
	c.gens[sessionID] = &generation{
		state:         StateAwaitingConnection,
		correlationID: correlationID,
		cancel:        cancel,
	}
	return nil
}

func (c *Coordinator) appendUserMessage(sessionID string, sess Session, model *wire.Model, text string) {
	_ = c.store.AppendMessage(sessionID, NewMessage(RoleUser, text))
	if sess.Title == "" && len(sess.Messages) == 0 {
		c.store.Rename(sessionID, deriveTitle(text))
	}
	if sess.Model == nil || sess.Model.ID != model.ID {
		c.store.SetSessionModel(sessionID, model)
	}
}

// history flattens the transcript into the wire shape, prepending the
// system prompt when one is set.
func (c *Coordinator) history(sessionID string, params GenerationParams) []wire.ChatMessage {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return nil
	}
	out := make([]wire.ChatMessage, 0, len(sess.Messages)+1)
	if params.SystemPrompt != "" {
		out = append(out, wire.ChatMessage{Role: string(RoleSystem), Content: params.SystemPrompt})
	}
	for _, m := range sess.Messages {
		out = append(out, wire.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (c *Coordinator) setStreaming(sessionID, placeholderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens[sessionID]; ok && g.state == StateAwaitingConnection {
		g.state = StateStreaming
		g.placeholderID = placeholderID
	}
}

func (c *Coordinator) transition(sessionID string, state GenerationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens[sessionID]; ok && g.state != StateIdle {
		g.state = state
	}
}

// finish returns the session to Idle. The trailing assistant message is
// frozen from here on: nothing holds its id anymore.
func (c *Coordinator) finish(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens[sessionID]; ok {
		g.state = StateIdle
		g.placeholderID = ""
	}
}

func (c *Coordinator) wasStopped(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gens[sessionID]; ok {
		return g.stopped
	}
	return false
}

func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= titleLimit {
		return text
	}
	return strings.TrimSpace(string(runes[:titleLimit]))
}

// preview truncates message content for logs, matching how the backend
// logs request previews.
func preview(text string) string {
	const max = 100
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
