// Package compaction keeps project conversations short by folding older
// messages into a single summary digest.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/cutroom/internal/reconcile"
	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

const (
	// DefaultThreshold is the log length at which compaction starts.
	DefaultThreshold = 20
	// DefaultKeepRecent is the number of most recent messages kept verbatim.
	DefaultKeepRecent = 6
)

// ErrLogChanged means the summarized range was altered while the summary was
// being produced, so the digest no longer describes it.
var ErrLogChanged = errors.New("conversation changed during compaction")

type Config struct {
	Threshold  int
	KeepRecent int
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, KeepRecent: DefaultKeepRecent}
}

// Engine compacts the conversations of one mounted chat. At most one
// compaction per engine runs at a time.
type Engine struct {
	store      *session.Store
	summarizer types.Summarizer
	persister  *reconcile.Persister
	config     Config
	inflight   *semaphore.Weighted
	logger     *slog.Logger
	now        func() time.Time
}

func New(store *session.Store, summarizer types.Summarizer, persister *reconcile.Persister, config Config, logger *slog.Logger) *Engine {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.KeepRecent <= 0 {
		config.KeepRecent = DefaultKeepRecent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		summarizer: summarizer,
		persister:  persister,
		config:     config,
		inflight:   semaphore.NewWeighted(1),
		logger:     logger,
		now:        time.Now,
	}
}

// ShouldCompact reports whether a log of n messages qualifies.
func (e *Engine) ShouldCompact(n int) bool {
	return n >= e.config.Threshold && n-e.config.KeepRecent > 0
}

// MaybeCompact compacts the project's log if it qualifies and no other
// compaction is running. It reports whether the log was replaced. On error
// the local log is left as it was.
func (e *Engine) MaybeCompact(ctx context.Context, id types.ProjectID) (bool, error) {
	if !e.ShouldCompact(len(e.store.GetSession(id).Messages)) {
		return false, nil
	}
	if !e.inflight.TryAcquire(1) {
		e.logger.Debug("compaction already in flight", "project_id", id)
		return false, nil
	}
	defer e.inflight.Release(1)

	return e.compact(ctx, id)
}

func (e *Engine) compact(ctx context.Context, id types.ProjectID) (bool, error) {
	sess := e.store.GetSession(id)
	split := len(sess.Messages) - e.config.KeepRecent
	if split <= 0 {
		return false, nil
	}
	prefix := sess.Messages[:split]
	inputs := SummaryInputs(prefix)
	if len(inputs) == 0 {
		return false, nil
	}

	result, err := e.summarizer.CompactConversation(ctx, id, inputs, sess.ScriptContent)
	if err != nil {
		return false, fmt.Errorf("summarize conversation: %w", err)
	}
	if result == nil || strings.TrimSpace(result.Summary) == "" {
		return false, errors.New("summarize conversation: empty summary")
	}
	digest := Digest(result, e.now())

	// Build the replacement and queue the server write under the store lock
	// so every message in the local log at this point is part of it; appends
	// for later messages queue behind the replace.
	var replaced <-chan error
	var shipped []types.Message
	e.store.Update(id, func(cur types.Session) (types.Session, bool) {
		if !hasPrefix(cur.Messages, prefix) {
			return cur, false
		}
		shipped = withDigest(digest, cur.Messages[split:])
		replaced = e.persister.ReplaceMessages(id, shipped, cur.Meta())
		return cur, false
	})
	if replaced == nil {
		return false, ErrLogChanged
	}

	select {
	case err := <-replaced:
		if err != nil {
			return false, fmt.Errorf("replace conversation: %w", err)
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}

	_, ok := e.store.Update(id, func(cur types.Session) (types.Session, bool) {
		if !hasPrefix(cur.Messages, prefix) {
			return cur, false
		}
		cur.Messages = withDigest(digest, cur.Messages[split:])
		return cur, true
	})
	if !ok {
		return false, ErrLogChanged
	}

	e.logger.Info("conversation compacted",
		"project_id", id,
		"summarized", len(prefix),
		"kept", len(shipped)-1,
		"key_decisions", len(digest.KeyDecisions),
	)
	return true, nil
}

// SummaryInputs converts messages for the summarizer. Earlier digests are
// presented as assistant turns.
func SummaryInputs(msgs []types.Message) []types.SummaryInput {
	out := make([]types.SummaryInput, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == types.RoleSummary {
			role = types.RoleAssistant
		}
		out = append(out, types.SummaryInput{Role: role, Content: m.Content})
	}
	return out
}

// Digest builds the summary message: the narrative summary followed by the
// labeled sections the summarizer filled in, in a fixed order.
func Digest(r *types.CompactionResult, at time.Time) types.Message {
	parts := []string{strings.TrimSpace(r.Summary)}
	sections := []struct{ label, text string }{
		{"Visual Direction", r.StyleDirection},
		{"Character Notes", r.CharacterNotes},
		{"Scene Notes", r.SceneNotes},
		{"Open Questions", r.OpenQuestions},
	}
	for _, s := range sections {
		if text := strings.TrimSpace(s.text); text != "" {
			parts = append(parts, fmt.Sprintf("**%s:** %s", s.label, text))
		}
	}

	msg := types.Message{
		ID:        types.NewMessageID(),
		Role:      types.RoleSummary,
		Content:   strings.Join(parts, "\n\n"),
		CreatedAt: at.UTC(),
	}
	if len(r.KeyDecisions) > 0 {
		msg.KeyDecisions = append([]string(nil), r.KeyDecisions...)
	}
	return msg
}

func withDigest(digest types.Message, rest []types.Message) []types.Message {
	out := make([]types.Message, 0, 1+len(rest))
	out = append(out, digest)
	return append(out, rest...)
}

func hasPrefix(msgs, prefix []types.Message) bool {
	if len(msgs) < len(prefix) {
		return false
	}
	for i := range prefix {
		if msgs[i].ID != prefix[i].ID {
			return false
		}
	}
	return true
}
