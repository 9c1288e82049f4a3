// Package state provides the server-side conversation record, backed either
// by JSONL files or by SQLite.
package state

import (
	"errors"

	"github.com/user/cutroom/internal/types"
)

// ErrNotFound is returned when a project has no stored conversation.
var ErrNotFound = errors.New("conversation not found")

// Compile-time interface compliance checks.
var _ types.ConversationService = (*FileStore)(nil)
var _ types.ConversationService = (*SQLiteStore)(nil)
var _ Lister = (*FileStore)(nil)
var _ Lister = (*SQLiteStore)(nil)
