package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/cutroom/internal/types"
)

// FileStore keeps conversations as a JSON index plus one JSONL log per project.
type FileStore struct {
	index *ConversationIndex
	log   *MessageLog
}

func NewFileStore(root string) *FileStore {
	return &FileStore{
		index: NewConversationIndex(root),
		log:   NewMessageLog(root),
	}
}

func (s *FileStore) LoadConversation(_ context.Context, id types.ProjectID) (*types.Conversation, error) {
	msgs, err := s.log.All(id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	conv := &types.Conversation{Exists: len(msgs) > 0, Messages: msgs}

	meta, err := s.index.Get(id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load conversation meta: %w", err)
	default:
		conv.Mode = meta.Mode
		conv.ScriptContent = meta.ScriptContent
		conv.TargetModel = meta.TargetModel
	}
	return conv, nil
}

func (s *FileStore) SaveConversationMessage(_ context.Context, id types.ProjectID, msg types.Message, meta types.SessionMeta) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	count, err := s.log.Append(id, msg)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := s.index.Put(id, meta, count); err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	return nil
}

func (s *FileStore) ReplaceConversationMessages(_ context.Context, id types.ProjectID, msgs []types.Message, meta types.SessionMeta) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	if err := s.log.Replace(id, msgs); err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	if err := s.index.Put(id, meta, len(msgs)); err != nil {
		return fmt.Errorf("update conversation meta: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]*ConversationMeta, error) {
	return s.index.List()
}
