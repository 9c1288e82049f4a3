package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/cutroom/internal/types"
)

// SQLiteStore keeps conversations in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		project_id INTEGER PRIMARY KEY,
		mode TEXT NOT NULL DEFAULT 'initial',
		script_content TEXT NOT NULL DEFAULT '',
		target_model TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		project_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, seq),
		FOREIGN KEY (project_id) REFERENCES conversations(project_id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_id ON messages(project_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadConversation(ctx context.Context, id types.ProjectID) (*types.Conversation, error) {
	conv := &types.Conversation{}

	err := s.db.QueryRowContext(ctx, `
		SELECT mode, script_content, target_model FROM conversations WHERE project_id = ?
	`, int64(id)).Scan(&conv.Mode, &conv.ScriptContent, &conv.TargetModel)
	if err == sql.ErrNoRows {
		return conv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM messages WHERE project_id = ? ORDER BY seq ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	conv.Exists = len(conv.Messages) > 0
	return conv, nil
}

// SaveConversationMessage appends msg. Appending a message whose ID is
// already stored is a no-op.
func (s *SQLiteStore) SaveConversationMessage(ctx context.Context, id types.ProjectID, msg types.Message, meta types.SessionMeta) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertConversation(ctx, tx, id, meta); err != nil {
			return err
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE project_id = ?
		`, int64(id)).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		if err := insertMessage(ctx, tx, id, seq, msg); err != nil {
			return err
		}
		return updateCount(ctx, tx, id)
	})
}

func (s *SQLiteStore) ReplaceConversationMessages(ctx context.Context, id types.ProjectID, msgs []types.Message, meta types.SessionMeta) error {
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertConversation(ctx, tx, id, meta); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE project_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		for i, msg := range msgs {
			if err := insertMessage(ctx, tx, id, int64(i+1), msg); err != nil {
				return err
			}
		}
		return updateCount(ctx, tx, id)
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, mode, script_content, target_model, message_count, created_at, updated_at
		FROM conversations ORDER BY project_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var metas []*ConversationMeta
	for rows.Next() {
		var m ConversationMeta
		var pid int64
		if err := rows.Scan(&pid, &m.Mode, &m.ScriptContent, &m.TargetModel, &m.MessageCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		m.ProjectID = types.ProjectID(pid)
		metas = append(metas, &m)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertConversation(ctx context.Context, tx *sql.Tx, id types.ProjectID, meta types.SessionMeta) error {
	mode := meta.Mode
	if mode == "" {
		mode = types.ModeInitial
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (project_id, mode, script_content, target_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			mode = excluded.mode,
			script_content = excluded.script_content,
			target_model = excluded.target_model,
			updated_at = excluded.updated_at
	`, int64(id), string(mode), meta.ScriptContent, meta.TargetModel, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, id types.ProjectID, seq int64, msg types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (project_id, seq, id, role, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, int64(id), seq, string(msg.ID), string(msg.Role), string(payload), msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func updateCount(ctx context.Context, tx *sql.Tx, id types.ProjectID) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = (SELECT COUNT(*) FROM messages WHERE project_id = ?)
		WHERE project_id = ?
	`, int64(id), int64(id)); err != nil {
		return fmt.Errorf("update message count: %w", err)
	}
	return nil
}
