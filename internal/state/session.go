package state

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/user/cutroom/internal/types"
)

// ConversationMeta is the index entry kept for every stored conversation.
type ConversationMeta struct {
	ProjectID     types.ProjectID `json:"project_id"`
	Mode          types.Mode      `json:"mode"`
	ScriptContent string          `json:"script_content,omitempty"`
	TargetModel   string          `json:"target_model,omitempty"`
	MessageCount  int             `json:"message_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Lister enumerates stored conversations.
type Lister interface {
	List(ctx context.Context) ([]*ConversationMeta, error)
}

// ConversationIndex is a JSON-file-backed index of conversations.
// It stores index data in conversations/index.json.
type ConversationIndex struct {
	root string
	mu   sync.RWMutex
}

func NewConversationIndex(root string) *ConversationIndex {
	return &ConversationIndex{root: root}
}

func (c *ConversationIndex) indexPath() string {
	return filepath.Join(c.root, "conversations", "index.json")
}

// loadIndex reads index.json and returns a map keyed by ProjectID.
func (c *ConversationIndex) loadIndex() (map[types.ProjectID]*ConversationMeta, error) {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ProjectID]*ConversationMeta), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var metas []*ConversationMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ProjectID]*ConversationMeta, len(metas))
	for _, m := range metas {
		index[m.ProjectID] = m
	}
	return index, nil
}

// saveIndex writes the index sorted by project id, atomically.
func (c *ConversationIndex) saveIndex(index map[types.ProjectID]*ConversationMeta) error {
	metas := make([]*ConversationMeta, 0, len(index))
	for _, m := range index {
		metas = append(metas, m)
	}
	slices.SortFunc(metas, func(a, b *ConversationMeta) int {
		return cmp.Compare(a.ProjectID, b.ProjectID)
	})

	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, c.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// Get returns the index entry for a project.
func (c *ConversationIndex) Get(id types.ProjectID) (*ConversationMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	index, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	meta, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", ErrNotFound, id)
	}
	return meta, nil
}

// Put records the latest session metadata and message count for a project,
// creating the entry if needed.
func (c *ConversationIndex) Put(id types.ProjectID, meta types.SessionMeta, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.loadIndex()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry, ok := index[id]
	if !ok {
		entry = &ConversationMeta{ProjectID: id, CreatedAt: now}
		index[id] = entry
	}
	entry.Mode = meta.Mode
	if entry.Mode == "" {
		entry.Mode = types.ModeInitial
	}
	entry.ScriptContent = meta.ScriptContent
	entry.TargetModel = meta.TargetModel
	entry.MessageCount = count
	entry.UpdatedAt = now

	return c.saveIndex(index)
}

// List returns all index entries ordered by project id.
func (c *ConversationIndex) List() ([]*ConversationMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	index, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	metas := make([]*ConversationMeta, 0, len(index))
	for _, m := range index {
		metas = append(metas, m)
	}
	slices.SortFunc(metas, func(a, b *ConversationMeta) int {
		return cmp.Compare(a.ProjectID, b.ProjectID)
	})
	return metas, nil
}
