// Package assistant answers director turns and conversation summaries with
// an LLM provider.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/cutroom/internal/context"
	"github.com/user/cutroom/internal/types"
	"github.com/user/cutroom/pkg/llm"
)

// ErrMalformedReply is returned when the model's reply cannot be used.
var ErrMalformedReply = errors.New("malformed model reply")

// Assistant implements types.Director and types.Summarizer.
type Assistant struct {
	provider llm.Provider
	engine   *ctxengine.Engine
	logger   *slog.Logger
	// summaryModel overrides the provider model for summaries when set.
	summaryModel string
}

var (
	_ types.Director   = (*Assistant)(nil)
	_ types.Summarizer = (*Assistant)(nil)
)

type Option func(*Assistant)

// WithSummaryModel routes summary requests to a different model.
func WithSummaryModel(model string) Option {
	return func(a *Assistant) { a.summaryModel = model }
}

func New(provider llm.Provider, engine *ctxengine.Engine, logger *slog.Logger, opts ...Option) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assistant{provider: provider, engine: engine, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type directorReply struct {
	Response          string                `json:"response"`
	Mode              types.Mode            `json:"mode"`
	ProjectUpdates    *types.ProjectUpdates `json:"projectUpdates"`
	ScriptUpdates     *types.ScriptUpdates  `json:"scriptUpdates"`
	CreatedCharacters []types.EntityRef     `json:"createdCharacters"`
	CreatedObjects    []types.EntityRef     `json:"createdObjects"`
	UpdatedCharacters []types.EntityRef     `json:"updatedCharacters"`
	UpdatedObjects    []types.EntityRef     `json:"updatedObjects"`
	CreatedScenes     []types.EntityRef     `json:"createdScenes"`
}

// Chat runs one director turn.
func (a *Assistant) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error) {
	messages, err := a.engine.BuildDirectorPrompt(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.provider.Complete(ctx, llm.Request{Messages: messages, Format: llm.FormatJSON})
	if err != nil {
		return nil, fmt.Errorf("director completion: %w", err)
	}
	a.logger.Debug("director reply",
		"project_id", req.ProjectID,
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	var out directorReply
	if err := decodeJSON(resp.Content, &out); err != nil {
		// Models occasionally drop the envelope; treat plain text as the reply.
		if strings.HasPrefix(strings.TrimSpace(resp.Content), "{") {
			return nil, err
		}
		return &types.ChatReply{Response: strings.TrimSpace(resp.Content)}, nil
	}
	if strings.TrimSpace(out.Response) == "" {
		return nil, fmt.Errorf("%w: empty response field", ErrMalformedReply)
	}

	reply := &types.ChatReply{
		Response:          out.Response,
		CreatedCharacters: out.CreatedCharacters,
		CreatedObjects:    out.CreatedObjects,
		UpdatedCharacters: out.UpdatedCharacters,
		UpdatedObjects:    out.UpdatedObjects,
		CreatedScenes:     out.CreatedScenes,
	}
	if out.Mode.Valid() {
		reply.Mode = out.Mode
	}
	if !out.ProjectUpdates.Empty() {
		reply.ProjectUpdates = out.ProjectUpdates
	}
	if out.ScriptUpdates != nil && strings.TrimSpace(out.ScriptUpdates.Content) != "" {
		out.ScriptUpdates.Applied = false
		reply.ScriptUpdates = out.ScriptUpdates
	}
	return reply, nil
}

// CompactConversation summarizes a conversation prefix.
func (a *Assistant) CompactConversation(ctx context.Context, id types.ProjectID, msgs []types.SummaryInput, scriptContent string) (*types.CompactionResult, error) {
	messages, err := a.engine.BuildCompactionPrompt(msgs, scriptContent)
	if err != nil {
		return nil, err
	}
	resp, err := a.provider.Complete(ctx, llm.Request{
		Messages: messages,
		Model:    a.summaryModel,
		Format:   llm.FormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}

	var out types.CompactionResult
	if err := decodeJSON(resp.Content, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformedReply)
	}
	a.logger.Debug("conversation summarized",
		"project_id", id,
		"messages", len(msgs),
		"key_decisions", len(out.KeyDecisions),
	)
	return &out, nil
}

// decodeJSON parses a JSON object, tolerating a surrounding markdown fence.
func decodeJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}
