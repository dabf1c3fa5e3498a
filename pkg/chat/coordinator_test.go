package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/wire"
)

type memGateway struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
	fail  bool
}

func (g *memGateway) Save(snap Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("disk full")
	}
	g.snap = snap
	g.saves++
	return nil
}

func (g *memGateway) Load() (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap, nil
}

type fakeConn struct {
	mu           sync.Mutex
	handler      FrameHandler
	connectErr   error
	subscribeErr error
	sendErr      error
	sent         []wire.ChatRequest
	onSend       func(req wire.ChatRequest)
}

func (f *fakeConn) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (f *fakeConn) Send(req wire.ChatRequest) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(req)
	}
	return nil
}

func (f *fakeConn) Subscribe(h FrameHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeConn) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
}

func (f *fakeConn) emit(frame wire.StreamFrame, err error) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(frame, err)
	}
}

type fakeCompleter struct {
	response string
	err      error
	requests []wire.ChatRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req wire.ChatRequest) (string, error) {
	f.requests = append(f.requests, req)
	return f.response, f.err
}

func testModel() *wire.Model {
	return &wire.Model{ID: "llama3", Name: "Llama 3", Provider: "ollama"}
}

func newTestCoordinator(t *testing.T, conn Conn, completer Completer, options ...CoordinatorOption) (*Coordinator, *Store) {
	t.Helper()
	store := NewStore(&memGateway{}, nil)
	registry := NewRegistry()
	registry.SetModel(testModel())
	coord := NewCoordinator(store, registry, conn, completer, options...)
	store.SetStopFunc(coord.Stop)
	return coord, store
}

func lastContent(t *testing.T, store *Store, sessionID string) string {
	t.Helper()
	sess, ok := store.Get(sessionID)
	require.True(t, ok)
	require.NotEmpty(t, sess.Messages)
	return sess.Messages[len(sess.Messages)-1].Content
}

func TestSendMessageStreamsTokens(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "Hel", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{Token: "lo", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{Done: true, CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.NoError(t, err)

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	require.Equal(t, RoleUser, got.Messages[0].Role)
	require.Equal(t, "Hi", got.Messages[0].Content)
	require.Equal(t, RoleAssistant, got.Messages[1].Role)
	require.Equal(t, "Hello", got.Messages[1].Content)
	require.Equal(t, "Hi", got.Title)
	require.Equal(t, StateIdle, coord.State(sess.ID))

	require.Len(t, conn.sent, 1)
	req := conn.sent[0]
	require.Equal(t, "ollama", req.Provider)
	require.Equal(t, "llama3", req.ModelID)
	require.NotEmpty(t, req.CorrelationID)
	// The placeholder is appended after the request history is built.
	require.Equal(t, []wire.ChatMessage{{Role: "user", Content: "Hi"}}, req.Messages)
}

func TestTokenApplicationPreservesOrder(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		for _, tok := range []string{"Hel", "lo", " world"} {
			conn.emit(wire.StreamFrame{Token: tok, CorrelationID: req.CorrelationID}, nil)
		}
		conn.emit(wire.StreamFrame{Done: true, CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, "greet me"))
	require.Equal(t, "Hello world", lastContent(t, store, sess.ID))
}

func TestSystemPromptPrepended(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Done: true, CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	prompt := "You are terse."
	require.NoError(t, coord.registry.SetParams(ParamsUpdate{SystemPrompt: &prompt}))
	sess := store.Create()

	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, "Hi"))
	require.Len(t, conn.sent, 1)
	require.Equal(t, wire.ChatMessage{Role: "system", Content: "You are terse."}, conn.sent[0].Messages[0])
}

func TestSecondSendMessageIsBusyAndMutatesNothing(t *testing.T) {
	conn := &fakeConn{}
	coord, store := newTestCoordinator(t, conn, nil, WithIdleTimeout(5*time.Second))
	sessA := store.Create()
	sessB := store.Create()

	done := make(chan error, 1)
	go func() { done <- coord.SendMessage(context.Background(), sessA.ID, "first") }()
	require.Eventually(t, func() bool {
		return coord.State(sessA.ID) == StateStreaming
	}, time.Second, 5*time.Millisecond)

	// Same session and a different session both fail fast.
	err := coord.SendMessage(context.Background(), sessA.ID, "second")
	require.ErrorIs(t, err, ErrBusy)
	err = coord.SendMessage(context.Background(), sessB.ID, "second")
	require.ErrorIs(t, err, ErrBusy)
	err = coord.SendMessageOnce(context.Background(), sessB.ID, "second")
	require.ErrorIs(t, err, ErrBusy)

	gotB, ok := store.Get(sessB.ID)
	require.True(t, ok)
	require.Empty(t, gotB.Messages)

	coord.Stop(sessA.ID)
	require.NoError(t, <-done)
}

func TestStopPreservesPartialContent(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "partial ", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{Token: "answer", CorrelationID: req.CorrelationID}, nil)
		// no done frame: the stream stays open
	}
	coord, store := newTestCoordinator(t, conn, nil, WithIdleTimeout(5*time.Second))
	sess := store.Create()

	done := make(chan error, 1)
	go func() { done <- coord.SendMessage(context.Background(), sess.ID, "Hi") }()
	require.Eventually(t, func() bool {
		got, ok := store.Get(sess.ID)
		if !ok || len(got.Messages) == 0 {
			return false
		}
		return got.Messages[len(got.Messages)-1].Content == "partial answer"
	}, time.Second, 5*time.Millisecond)

	coord.Stop(sess.ID)
	require.NoError(t, <-done)
	require.Equal(t, "partial answer", lastContent(t, store, sess.ID))
	require.Equal(t, StateIdle, coord.State(sess.ID))

	// Stopping an idle session is a no-op.
	coord.Stop(sess.ID)
	require.Equal(t, StateIdle, coord.State(sess.ID))
}

func TestMismatchedCorrelationIDDropped(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "IGNORED", CorrelationID: "someone-else"}, nil)
		conn.emit(wire.StreamFrame{Token: "kept", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{Done: true, CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, "Hi"))
	require.Equal(t, "kept", lastContent(t, store, sess.ID))
}

func TestErrorFrameSurfacesBackendError(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "part", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{Error: "model exploded", CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrBackend)
	require.Contains(t, err.Error(), "model exploded")
	require.Equal(t, "part", lastContent(t, store, sess.ID))
	require.Equal(t, StateIdle, coord.State(sess.ID))
}

func TestConnectTimeoutLeavesNoPlaceholder(t *testing.T) {
	conn := &fakeConn{connectErr: errors.Wrap(ErrTimeout, "open did not complete")}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrTimeout)

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 1)
	require.Equal(t, RoleUser, got.Messages[0].Role)
	require.Equal(t, StateIdle, coord.State(sess.ID))
}

func TestTransportFailureRetainsPartialContent(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "half", CorrelationID: req.CorrelationID}, nil)
		conn.emit(wire.StreamFrame{}, errors.Wrap(ErrConnection, "reconnect attempt failed"))
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrConnection)
	require.Equal(t, "half", lastContent(t, store, sess.ID))
	require.Equal(t, StateIdle, coord.State(sess.ID))
}

func TestIdleTimeoutFailsStalledStream(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Token: "stall", CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil, WithIdleTimeout(50*time.Millisecond))
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, "stall", lastContent(t, store, sess.ID))
	require.Equal(t, StateIdle, coord.State(sess.ID))
}

func TestSendMessageOnce(t *testing.T) {
	completer := &fakeCompleter{response: "Hello there"}
	coord, store := newTestCoordinator(t, &fakeConn{}, completer)
	sess := store.Create()

	require.NoError(t, coord.SendMessageOnce(context.Background(), sess.ID, "Hi"))
	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "Hello there", got.Messages[1].Content)
	require.Equal(t, StateIdle, coord.State(sess.ID))
	require.Len(t, completer.requests, 1)
	require.Empty(t, completer.requests[0].CorrelationID)
}

func TestStreamingDisabledFallsBackToOnce(t *testing.T) {
	completer := &fakeCompleter{response: "plain"}
	conn := &fakeConn{}
	coord, store := newTestCoordinator(t, conn, completer)
	off := false
	require.NoError(t, coord.registry.SetParams(ParamsUpdate{StreamingEnabled: &off}))
	sess := store.Create()

	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, "Hi"))
	require.Empty(t, conn.sent)
	require.Equal(t, "plain", lastContent(t, store, sess.ID))
}

func TestNoModelSelectedIsValidationError(t *testing.T) {
	store := NewStore(&memGateway{}, nil)
	registry := NewRegistry()
	coord := NewCoordinator(store, registry, &fakeConn{}, nil)
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrValidation)

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	require.Empty(t, got.Messages)
}

func TestUnknownProviderRejected(t *testing.T) {
	conn := &fakeConn{}
	coord, store := newTestCoordinator(t, conn, nil)
	coord.registry.SetModel(&wire.Model{ID: "x", Provider: "skynet"})
	sess := store.Create()

	err := coord.SendMessage(context.Background(), sess.ID, "Hi")
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, conn.sent)
}

func TestTitleDerivedFromFirstMessageOnly(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(req wire.ChatRequest) {
		conn.emit(wire.StreamFrame{Done: true, CorrelationID: req.CorrelationID}, nil)
	}
	coord, store := newTestCoordinator(t, conn, nil)
	sess := store.Create()

	long := "this is a rather long first message that should be truncated"
	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, long))
	got, _ := store.Get(sess.ID)
	require.Equal(t, "this is a rather long first me", got.Title)

	require.NoError(t, coord.SendMessage(context.Background(), sess.ID, "second message, much longer than thirty characters"))
	got, _ = store.Get(sess.ID)
	require.Equal(t, "this is a rather long first me", got.Title)
}
