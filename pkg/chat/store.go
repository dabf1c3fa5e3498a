package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/wire"
)

// SessionsTopic carries one Event per committed store mutation. The
// presentation layer subscribes to it to re-render.
const SessionsTopic = "chat.sessions"

// Event describes one committed mutation.
type Event struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id,omitempty"`
}

// Gateway persists snapshots. Save is write-through: it is called
// synchronously after every mutation.
type Gateway interface {
	Save(snap Snapshot) error
	Load() (Snapshot, error)
}

// Store is the in-memory session catalog. The newest session sits at
// the head of the list. Every mutation commits a snapshot through the
// gateway and publishes an Event; a failed save is logged and the
// in-memory state stays authoritative for the run.
type Store struct {
	mu        sync.Mutex
	sessions  []*Session
	activeID  string
	gateway   Gateway
	publisher message.Publisher

	// stop is invoked before a session is removed so an in-flight
	// generation for it is torn down first. Wired by the composition
	// root to Coordinator.Stop.
	stop func(sessionID string)
}

func NewStore(gateway Gateway, publisher message.Publisher) *Store {
	return &Store{gateway: gateway, publisher: publisher}
}

// SetStopFunc registers the callback Delete uses to cancel an in-flight
// generation before removing its session.
func (s *Store) SetStopFunc(stop func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = stop
}

// Load replaces the catalog with the persisted snapshot.
func (s *Store) Load() error {
	snap, err := s.gateway.Load()
	if err != nil {
		return errors.Wrap(err, "load snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make([]*Session, 0, len(snap.Sessions))
	for i := range snap.Sessions {
		c := snap.Sessions[i].clone()
		s.sessions = append(s.sessions, &c)
	}
	s.activeID = snap.ActiveSessionID
	return nil
}

// Create inserts a new empty session at the head and makes it active.
func (s *Store) Create() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := NewSession()
	s.sessions = append([]*Session{sess}, s.sessions...)
	s.activeID = sess.ID
	s.commit("create", sess.ID)
	return sess.clone()
}

// Delete stops any in-flight generation for the session, removes it,
// and moves the active pointer to the most recent remaining session.
// Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return
	}
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	if s.activeID == id {
		if len(s.sessions) > 0 {
			s.activeID = s.sessions[0].ID
		} else {
			s.activeID = ""
		}
	}
	s.commit("delete", id)
}

// Switch sets the active session. Unknown ids are ignored.
func (s *Store) Switch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(id) < 0 {
		log.Warn().Str("session_id", id).Msg("switch to unknown session ignored")
		return
	}
	s.activeID = id
	s.commit("switch", id)
}

// Rename updates a session title.
func (s *Store) Rename(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return
	}
	s.sessions[idx].Title = title
	s.commit("rename", id)
}

// SetSessionModel records the model a session last generated with.
func (s *Store) SetSessionModel(id string, m *wire.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return
	}
	if m == nil {
		s.sessions[idx].Model = nil
	} else {
		c := *m
		s.sessions[idx].Model = &c
	}
	s.commit("model", id)
}

// AppendMessage appends one message to a session transcript.
func (s *Store) AppendMessage(id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return errors.Errorf("unknown session %s", id)
	}
	s.sessions[idx].Messages = append(s.sessions[idx].Messages, msg)
	s.commit("append", id)
	return nil
}

// UpdateLastMessage replaces the content of the trailing message. This
// is how streamed tokens reach the transcript.
func (s *Store) UpdateLastMessage(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return errors.Errorf("unknown session %s", id)
	}
	msgs := s.sessions[idx].Messages
	if len(msgs) == 0 {
		return errors.Errorf("session %s has no messages", id)
	}
	msgs[len(msgs)-1].Content = content
	s.commit("update", id)
	return nil
}

// RemoveMessage drops a message by id. Used to retract the assistant
// placeholder when a generation fails before any token arrived.
func (s *Store) RemoveMessage(id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return errors.Errorf("unknown session %s", id)
	}
	msgs := s.sessions[idx].Messages
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.sessions[idx].Messages = append(msgs[:i], msgs[i+1:]...)
			s.commit("remove", id)
			return nil
		}
	}
	return errors.Errorf("unknown message %s in session %s", messageID, id)
}

// Get returns a copy of one session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Session{}, false
	}
	return s.sessions[idx].clone(), true
}

// Sessions returns copies of all sessions, newest first.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	return out
}

// ActiveID returns the active-session pointer, empty when no session
// exists.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Snapshot captures the full persisted state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Sessions:        make([]Session, 0, len(s.sessions)),
		ActiveSessionID: s.activeID,
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess.clone())
	}
	return snap
}

func (s *Store) indexOf(id string) int {
	for i, sess := range s.sessions {
		if sess.ID == id {
			return i
		}
	}
	return -1
}

// commit persists the snapshot and publishes the change event. Must be
// called with the lock held.
func (s *Store) commit(op, sessionID string) {
	start := time.Now()
	if err := s.gateway.Save(s.snapshotLocked()); err != nil {
		log.Error().Err(err).Str("op", op).Str("session_id", sessionID).Msg("snapshot save failed; in-memory state remains authoritative")
	} else {
		log.Debug().Str("op", op).Str("session_id", sessionID).Dur("took", time.Since(start)).Msg("snapshot committed")
	}
	if s.publisher == nil {
		return
	}
	payload, _ := json.Marshal(Event{Op: op, SessionID: sessionID})
	if err := s.publisher.Publish(SessionsTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("failed to publish session event")
	}
}
