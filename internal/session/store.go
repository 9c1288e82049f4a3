// Package session holds the client-side cache of per-project conversations.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/user/cutroom/internal/types"
)

// StorageName is the file name of the persisted sessions blob.
const StorageName = "director-sessions.json"

// blob is the on-disk layout. The mailbox is never part of it.
type blob struct {
	Sessions map[types.ProjectID]types.Session `json:"sessions"`
}

// Store maps project ids to sessions. Every mutation replaces the session
// value with a fresh copy and bumps its Revision, then rewrites the blob.
type Store struct {
	path     string
	mu       sync.RWMutex
	sessions map[types.ProjectID]types.Session
	mailbox  *Mailbox
	logger   *slog.Logger
}

// NewMemoryStore creates a Store that is never written to disk.
func NewMemoryStore() *Store {
	return &Store{
		sessions: make(map[types.ProjectID]types.Session),
		mailbox:  NewMailbox(),
		logger:   slog.Default(),
	}
}

// Open creates a Store persisted under dir, rehydrating any existing blob.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := NewMemoryStore()
	s.path = filepath.Join(dir, StorageName)
	s.logger = logger

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	for id, sess := range b.Sessions {
		if !sess.Mode.Valid() {
			sess.Mode = types.ModeInitial
		}
		s.sessions[id] = sess
	}
	return s, nil
}

// Path returns the blob location, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

// GetSession returns the session for id, or a default one if none exists yet.
func (s *Store) GetSession(id types.ProjectID) types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone()
	}
	return types.DefaultSession()
}

// Sessions returns the ids of every known session in ascending order.
func (s *Store) Sessions() []types.ProjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.ProjectID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetMessages replaces the whole log with a copy of msgs.
func (s *Store) SetMessages(id types.ProjectID, msgs []types.Message) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.Messages = slices.Clone(msgs)
	})
}

// AddMessage appends msg at the tail of the log.
func (s *Store) AddMessage(id types.ProjectID, msg types.Message) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.Messages = append(sess.Messages, msg)
	})
}

// SetScriptContent replaces the project script.
func (s *Store) SetScriptContent(id types.ProjectID, content string) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.ScriptContent = content
	})
}

// SetMode sets the workflow mode.
func (s *Store) SetMode(id types.ProjectID, mode types.Mode) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.Mode = mode
	})
}

// SetProjectSnapshot replaces the cached project snapshot.
func (s *Store) SetProjectSnapshot(id types.ProjectID, snap types.ProjectSnapshot) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.ProjectSnapshot = &snap
	})
}

// SetTargetModel sets the image model the director writes prompts for. Empty means unset.
func (s *Store) SetTargetModel(id types.ProjectID, model string) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.TargetModel = model
	})
}

// ResetSession clears messages and mode but keeps the script and project snapshot.
func (s *Store) ResetSession(id types.ProjectID) types.Session {
	return s.mutate(id, func(sess *types.Session) {
		sess.Messages = nil
		sess.Mode = types.ModeInitial
	})
}

// Update applies fn to a copy of the current session and commits the result
// only when fn returns true. It reports whether a commit happened.
func (s *Store) Update(id types.ProjectID, fn func(types.Session) (types.Session, bool)) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current(id)
	next, ok := fn(cur.Clone())
	if !ok {
		return cur.Clone(), false
	}
	return s.commitLocked(id, cur, next), true
}

func (s *Store) mutate(id types.ProjectID, fn func(*types.Session)) types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current(id)
	next := cur.Clone()
	fn(&next)
	return s.commitLocked(id, cur, next)
}

// current returns the stored session or a default. Caller must hold the lock.
func (s *Store) current(id types.ProjectID) types.Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	return types.DefaultSession()
}

// commitLocked stores next and persists the blob. Caller must hold the write lock.
func (s *Store) commitLocked(id types.ProjectID, cur, next types.Session) types.Session {
	next.Revision = cur.Revision + 1
	s.sessions[id] = next
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("failed to persist sessions", "project_id", id, "error", err)
	}
	return next.Clone()
}

// persistLocked writes the sessions blob atomically. Caller must hold the write lock.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.Marshal(blob{Sessions: s.sessions})
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp sessions: %w", err)
	}
	return nil
}

// Mailbox returns the store's ephemeral mailbox.
func (s *Store) Mailbox() *Mailbox {
	return s.mailbox
}

// QueueMessage puts content for id in the mailbox, replacing any pending item.
func (s *Store) QueueMessage(id types.ProjectID, content string) {
	s.mailbox.Queue(id, content)
}

// ClearQueuedMessage empties the mailbox.
func (s *Store) ClearQueuedMessage() {
	s.mailbox.Clear()
}

// QueuedMessage returns the pending mailbox item, or nil.
func (s *Store) QueuedMessage() *types.QueuedMessage {
	return s.mailbox.Peek()
}
