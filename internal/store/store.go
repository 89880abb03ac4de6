package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/aquachat-app/aqua-web-ui/internal/models"
)

// storageKey is the single key under which the whole session collection is
// persisted, as a JSON array sorted by updatedAt descending.
const storageKey = "chats"

// KV is the durable key-value storage collaborator. Get reports ok=false
// when the key is absent. Implementations must replace values atomically so
// a crash mid-write never leaves a partial blob.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// ChatStore owns the canonical in-memory list of chat sessions and mirrors
// every mutation to durable storage as a full-collection overwrite.
//
// All operations are guarded by one mutex, and persistence happens under it,
// so writes are serialized: a late writer can never clobber a newer state
// with a stale read of the collection.
//
// Storage faults never propagate: reads fail closed to an empty collection
// and write failures leave the in-memory state as the source of truth until
// the next successful write. Both are logged.
type ChatStore struct {
	mu       sync.Mutex
	sessions []models.Session

	// lastStamp makes updatedAt strictly increasing across mutations, so
	// the most-recent-first ordering stays deterministic even when two
	// mutations land within the same millisecond.
	lastStamp int64

	kv     KV
	logger *slog.Logger
}

// New creates a ChatStore backed by kv and loads the persisted collection.
func New(kv KV, logger *slog.Logger) *ChatStore {
	s := &ChatStore{
		kv:     kv,
		logger: logger.With(slog.String("module", "store")),
	}
	s.sessions = s.loadAll()
	for i := range s.sessions {
		if s.sessions[i].UpdatedAt > s.lastStamp {
			s.lastStamp = s.sessions[i].UpdatedAt
		}
	}
	return s
}

// stampLocked returns the current epoch-millisecond time, nudged forward
// when needed so consecutive mutations never share a timestamp. Callers
// must hold mu.
func (s *ChatStore) stampLocked() int64 {
	now := models.Now()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// sessionRecord mirrors models.Session with pointer fields so a record
// missing a field, or carrying one of the wrong type, fails its own decode
// without aborting the rest of the load.
type sessionRecord struct {
	ID        *string           `json:"id"`
	Title     *string           `json:"title"`
	Messages  *[]models.Message `json:"messages"`
	CreatedAt *float64          `json:"createdAt"`
	UpdatedAt *float64          `json:"updatedAt"`
}

// loadAll reads and validates the persisted collection. Invalid records are
// dropped individually; an absent or unparseable blob yields an empty
// collection. Neither is an error the caller sees.
func (s *ChatStore) loadAll() []models.Session {
	blob, ok, err := s.kv.Get(storageKey)
	if err != nil {
		s.logger.Error("Failed to read chats from storage, starting empty",
			slog.String("err", err.Error()))
		return []models.Session{}
	}
	if !ok {
		return []models.Session{}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(blob), &raws); err != nil {
		s.logger.Error("Failed to parse chats blob, starting empty",
			slog.String("err", err.Error()))
		return []models.Session{}
	}

	sessions := make([]models.Session, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for i, raw := range raws {
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("Dropping malformed chat record",
				slog.Int("index", i),
				slog.String("err", err.Error()))
			continue
		}
		if rec.ID == nil || rec.Title == nil || rec.Messages == nil ||
			rec.CreatedAt == nil || rec.UpdatedAt == nil {
			s.logger.Warn("Dropping chat record with missing fields", slog.Int("index", i))
			continue
		}
		if seen[*rec.ID] {
			s.logger.Warn("Dropping chat record with duplicate id", slog.String("id", *rec.ID))
			continue
		}
		seen[*rec.ID] = true

		msgs := *rec.Messages
		for j := range msgs {
			// Everything that reached disk is terminal.
			msgs[j].State = models.StateComplete
		}
		sessions = append(sessions, models.Session{
			ID:        *rec.ID,
			Title:     *rec.Title,
			Messages:  msgs,
			CreatedAt: int64(*rec.CreatedAt),
			UpdatedAt: int64(*rec.UpdatedAt),
		})
	}

	sortSessions(sessions)
	return sessions
}

// Sessions returns a copy of the collection sorted by updatedAt descending.
// Side-effect free.
func (s *ChatStore) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSessions(s.sessions)
}

// Get returns the session with the given id, if present.
func (s *ChatStore) Get(id string) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return cloneSession(s.sessions[i]), true
		}
	}
	return models.Session{}, false
}

// Create allocates a fresh empty session, prepends it to the collection, and
// persists. Persistence is best-effort.
func (s *ChatStore) Create() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := models.NewSession()
	ts := s.stampLocked()
	sess.CreatedAt = ts
	sess.UpdatedAt = ts
	s.sessions = append([]models.Session{sess}, s.sessions...)
	s.persistLocked()
	return cloneSession(sess)
}

// Update replaces the message list of the session with the given id,
// recomputes the title from the first user message (keeping the prior title
// when there is none), bumps updatedAt, and re-persists the collection.
//
// An unknown id is a no-op with a logged warning; the UI must stay
// responsive even when its state has drifted from the store's.
func (s *ChatStore) Update(id string, messages []models.Message) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Warn("Update for unknown session", slog.String("id", id))
		return models.Session{}, false
	}

	sess := &s.sessions[idx]
	if title, ok := models.DeriveTitle(messages); ok {
		sess.Title = title
	}
	sess.Messages = append([]models.Message(nil), messages...)
	sess.UpdatedAt = s.stampLocked()

	sortSessions(s.sessions)
	s.persistLocked()

	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return cloneSession(s.sessions[i]), true
		}
	}
	return models.Session{}, false
}

// AppendMessages appends messages to the session with the given id,
// recomputes the title, bumps updatedAt, and re-persists. Appending goes
// through the store rather than through a read-modify-write of the whole
// list, so two writers appending to the same session can never erase each
// other's messages.
//
// An unknown id is a no-op with a logged warning.
func (s *ChatStore) AppendMessages(id string, messages ...models.Message) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Warn("Append for unknown session", slog.String("id", id))
		return models.Session{}, false
	}

	sess := &s.sessions[idx]
	sess.Messages = append(sess.Messages, messages...)
	if title, ok := models.DeriveTitle(sess.Messages); ok {
		sess.Title = title
	}
	sess.UpdatedAt = s.stampLocked()

	s.persistLocked()

	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return cloneSession(s.sessions[i]), true
		}
	}
	return models.Session{}, false
}

// UpdateMessage replaces the message matching message.ID inside the session
// with the given id, bumps updatedAt, and re-persists. A writer that owns a
// single message patches it against the store's current list, so messages
// appended to the session by someone else in the meantime survive.
//
// An unknown session or message id is a no-op with a logged warning.
func (s *ChatStore) UpdateMessage(id string, message models.Message) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Warn("Message update for unknown session", slog.String("id", id))
		return models.Session{}, false
	}

	sess := &s.sessions[idx]
	mi := -1
	for i := range sess.Messages {
		if sess.Messages[i].ID == message.ID {
			mi = i
			break
		}
	}
	if mi == -1 {
		s.logger.Warn("Update for unknown message",
			slog.String("id", id),
			slog.String("messageID", message.ID))
		return models.Session{}, false
	}

	sess.Messages[mi] = message
	if title, ok := models.DeriveTitle(sess.Messages); ok {
		sess.Title = title
	}
	sess.UpdatedAt = s.stampLocked()

	s.persistLocked()

	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return cloneSession(s.sessions[i]), true
		}
	}
	return models.Session{}, false
}

// Delete removes the session with the given id and persists. It returns the
// updated sorted collection so a caller whose current selection was deleted
// can pick a replacement (index 0, or none when empty). An unknown id is a
// logged no-op.
func (s *ChatStore) Delete(id string) []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Warn("Delete for unknown session", slog.String("id", id))
		return cloneSessions(s.sessions)
	}

	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	s.persistLocked()
	return cloneSessions(s.sessions)
}

// DeleteAll removes every session one at a time and persists once at the
// end. A failure on one removal does not abort the rest.
func (s *ChatStore) DeleteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.sessions) > 0 {
		s.sessions = s.sessions[:len(s.sessions)-1]
	}
	s.persistLocked()
}

// persistLocked serializes the whole collection, sorted by updatedAt
// descending, and overwrites the storage key. Failures are logged; the
// in-memory collection remains authoritative. Callers must hold mu.
func (s *ChatStore) persistLocked() {
	sortSessions(s.sessions)

	blob, err := json.Marshal(s.sessions)
	if err != nil {
		s.logger.Error("Failed to marshal chats", slog.String("err", err.Error()))
		return
	}
	if err := s.kv.Set(storageKey, string(blob)); err != nil {
		s.logger.Error("Failed to persist chats", slog.String("err", err.Error()))
	}
}

func sortSessions(sessions []models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
}

func cloneSession(sess models.Session) models.Session {
	out := sess
	out.Messages = append([]models.Message(nil), sess.Messages...)
	return out
}

func cloneSessions(sessions []models.Session) []models.Session {
	out := make([]models.Session, len(sessions))
	for i := range sessions {
		out[i] = cloneSession(sessions[i])
	}
	return out
}
