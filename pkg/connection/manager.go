// Package connection owns the lifecycle of the shared websocket
// connection to the backend's streaming endpoint: idempotent connect,
// a single registered frame consumer, and one bounded reconnect after
// an unexpected close.
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/wire"
)

// State is the shared connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	// DefaultConnectTimeout bounds the websocket open handshake.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultReconnectDelay is the fixed backoff before the single
	// reconnect attempt.
	DefaultReconnectDelay = 1 * time.Second
)

// Manager is the shared singleton connection. All methods are safe for
// concurrent use.
type Manager struct {
	url            string
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	reconnectDelay time.Duration

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        int
	attempt    chan struct{}
	attemptErr error
	handler    chat.FrameHandler
}

type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconnectDelay = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

func NewManager(url string, options ...Option) *Manager {
	m := &Manager{
		url:            url,
		dialer:         websocket.DefaultDialer,
		connectTimeout: DefaultConnectTimeout,
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the connection if needed. It is idempotent: when a
// connect or reconnect attempt is already in flight, callers wait for
// that attempt's result instead of starting a second dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		ch := m.attempt
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
			err := m.attemptErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for in-flight connection attempt")
		}
	case StateClosing:
		m.mu.Unlock()
		return errors.Wrap(chat.ErrConnection, "connection is closing")
	}

	m.state = StateConnecting
	ch := make(chan struct{})
	m.attempt = ch
	m.mu.Unlock()

	log.Debug().Str("url", m.url).Msg("opening websocket connection")
	conn, err := m.dial(ctx)

	m.mu.Lock()
	m.attemptErr = err
	if err != nil {
		m.state = StateClosed
	} else {
		m.conn = conn
		m.state = StateOpen
		m.gen++
		go m.readPump(conn, m.gen)
		log.Info().Str("url", m.url).Msg("websocket connection open")
	}
	close(ch)
	m.mu.Unlock()
	return err
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(dctx, m.url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if dctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(chat.ErrTimeout, "open of %s did not complete within %s", m.url, m.connectTimeout)
		}
		return nil, errors.Wrapf(chat.ErrConnection, "dial %s: %v", m.url, err)
	}
	return conn, nil
}

// Send writes one request frame. Fails unless the connection is open.
func (m *Manager) Send(req wire.ChatRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return errors.Wrapf(chat.ErrNotConnected, "connection state is %s", m.state)
	}
	if err := m.conn.WriteJSON(req); err != nil {
		return errors.Wrapf(chat.ErrConnection, "write request frame: %v", err)
	}
	return nil
}

// Subscribe registers the single active frame consumer. A second
// concurrent subscription fails with ErrBusy: the streaming endpoint is
// single-subscriber system-wide.
func (m *Manager) Subscribe(h chat.FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return errors.Wrap(chat.ErrBusy, "a frame consumer is already registered")
	}
	m.handler = h
	return nil
}

// Unsubscribe removes the registered consumer. Safe to call when no
// consumer is registered.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
}

// Close shuts the connection down intentionally. No reconnect is
// attempted; the read pump drains out.
func (m *Manager) Close(code int) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		err = conn.Close()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	log.Info().Int("code", code).Msg("websocket connection closed")
	return err
}

// readPump decodes inbound frames and hands them to the registered
// consumer. Malformed frames are logged and dropped; the connection
// keeps going.
func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, gen, err)
			return
		}
		var f wire.StreamFrame
		if uerr := json.Unmarshal(data, &f); uerr != nil {
			log.Warn().Err(uerr).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h == nil {
			log.Debug().Msg("dropping frame, no consumer registered")
			continue
		}
		h(f, nil)
	}
}

// handleReadError tears the connection down after a read failure. An
// unexpected close while a consumer is registered triggers exactly one
// reconnect attempt after the fixed delay; a second failure fails the
// consumer with ErrConnection and unregisters it.
func (m *Manager) handleReadError(conn *websocket.Conn, gen int, readErr error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		// A newer connection already took over, or Close detached us.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	intentional := m.state == StateClosing
	normal := websocket.IsCloseError(readErr, websocket.CloseNormalClosure)
	h := m.handler
	if intentional || normal || h == nil {
		m.state = StateClosed
		m.handler = nil
		m.mu.Unlock()
		if h != nil && !intentional {
			h(wire.StreamFrame{}, errors.Wrap(chat.ErrConnection, "connection closed by server"))
		}
		return
	}

	m.state = StateReconnecting
	ch := make(chan struct{})
	m.attempt = ch
	m.mu.Unlock()

	log.Warn().Err(readErr).Dur("delay", m.reconnectDelay).Msg("connection closed unexpectedly, reconnecting once")
	time.Sleep(m.reconnectDelay)

	nc, dialErr := m.dial(context.Background())

	m.mu.Lock()
	if m.state != StateReconnecting {
		// Closed intentionally while we were backing off.
		m.attemptErr = errors.Wrap(chat.ErrConnection, "connection closed during reconnect")
		close(ch)
		m.mu.Unlock()
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if dialErr != nil {
		m.state = StateClosed
		m.attemptErr = dialErr
		hh := m.handler
		m.handler = nil
		close(ch)
		m.mu.Unlock()
		log.Error().Err(dialErr).Msg("reconnect attempt failed")
		if hh != nil {
			hh(wire.StreamFrame{}, errors.Wrap(chat.ErrConnection, "reconnect attempt failed"))
		}
		return
	}
	m.conn = nc
	m.state = StateOpen
	m.attemptErr = nil
	m.gen++
	nextGen := m.gen
	close(ch)
	m.mu.Unlock()
	log.Info().Msg("reconnected")
	m.readPump(nc, nextGen)
}
