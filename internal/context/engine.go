// Package context assembles token-budgeted prompts for the director and the
// conversation summarizer.
package context

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/cutroom/internal/types"
	"github.com/user/cutroom/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	director  *template.Template
	compactor *template.Template
}

// New creates a context engine with the specified token budget.
// model selects the tokenizer; maxTokens is the context window and reserve
// the share of it kept for the reply. When no tokenizer can be loaded the
// engine estimates four characters per token.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	director, err := template.New("director").Parse(DirectorPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse director prompt: %w", err)
	}
	compactor, err := template.New("compaction").Parse(CompactionPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse compaction prompt: %w", err)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers unknown models; a nil tokenizer falls back to estimates.
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		director:  director,
		compactor: compactor,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	if e.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

type directorData struct {
	Mode          types.Mode
	ScriptContent string
	TargetModel   string
}

// BuildDirectorPrompt renders the director system prompt, as much recent
// history as fits the budget, and the new user turn with its images.
func (e *Engine) BuildDirectorPrompt(req types.ChatRequest) ([]llm.Message, error) {
	mode := req.Mode
	if !mode.Valid() {
		mode = types.ModeInitial
	}
	var sys bytes.Buffer
	if err := e.director.Execute(&sys, directorData{
		Mode:          mode,
		ScriptContent: req.ScriptContent,
		TargetModel:   req.TargetModel,
	}); err != nil {
		return nil, fmt.Errorf("render director prompt: %w", err)
	}

	user := llm.Message{Role: llm.RoleUser, Content: req.UserText, ImageURLs: req.ImageURLs}
	budget := e.maxTokens - e.reserve - e.countTokens(sys.String()) - e.countTokens(user.Content)

	history := e.fitHistory(req.History, budget)

	messages := make([]llm.Message, 0, 2+len(history))
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sys.String()})
	messages = append(messages, history...)
	return append(messages, user), nil
}

// fitHistory keeps the newest turns that fit in budget tokens, returned in
// chronological order.
func (e *Engine) fitHistory(turns []types.ChatTurn, budget int) []llm.Message {
	start := len(turns)
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		n := e.countTokens(turns[i].Content)
		if used+n > budget {
			break
		}
		used += n
		start = i
	}

	out := make([]llm.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		role := llm.RoleAssistant
		if t.Role == types.RoleUser {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

type compactionData struct {
	Transcript    string
	ScriptContent string
}

// BuildCompactionPrompt renders the summarizer request for a conversation
// prefix. The transcript is trimmed from the oldest end when it exceeds
// the budget.
func (e *Engine) BuildCompactionPrompt(msgs []types.SummaryInput, scriptContent string) ([]llm.Message, error) {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content))
	}

	budget := e.maxTokens - e.reserve - e.countTokens(scriptContent) - e.countTokens(CompactionPrompt)
	start, used := len(lines), 0
	for i := len(lines) - 1; i >= 0; i-- {
		n := e.countTokens(lines[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}

	var buf bytes.Buffer
	if err := e.compactor.Execute(&buf, compactionData{
		Transcript:    strings.Join(lines[start:], "\n\n"),
		ScriptContent: scriptContent,
	}); err != nil {
		return nil, fmt.Errorf("render compaction prompt: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: buf.String()},
		{Role: llm.RoleUser, Content: "Summarize the conversation above as JSON."},
	}, nil
}
