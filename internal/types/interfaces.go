package types

import (
	"context"
)

// ConversationService is the authoritative conversation record kept by the server.
type ConversationService interface {
	LoadConversation(ctx context.Context, id ProjectID) (*Conversation, error)
	SaveConversationMessage(ctx context.Context, id ProjectID, msg Message, meta SessionMeta) error
	ReplaceConversationMessages(ctx context.Context, id ProjectID, msgs []Message, meta SessionMeta) error
}

// Summarizer condenses an older conversation range into a digest.
type Summarizer interface {
	CompactConversation(ctx context.Context, id ProjectID, msgs []SummaryInput, scriptContent string) (*CompactionResult, error)
}

// Director produces the assistant side of a chat turn.
type Director interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
}

// SummaryInput is a message as seen by the summarizer. Role is never RoleSummary.
type SummaryInput struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompactionResult struct {
	Summary        string   `json:"summary"`
	StyleDirection string   `json:"styleDirection,omitempty"`
	CharacterNotes string   `json:"characterNotes,omitempty"`
	SceneNotes     string   `json:"sceneNotes,omitempty"`
	OpenQuestions  string   `json:"openQuestions,omitempty"`
	KeyDecisions   []string `json:"keyDecisions,omitempty"`
}

// ChatTurn is a history entry passed to the director. Role is user or assistant.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	ProjectID     ProjectID  `json:"projectId"`
	UserText      string     `json:"userText"`
	History       []ChatTurn `json:"history"`
	ScriptContent string     `json:"scriptContent"`
	Mode          Mode       `json:"mode"`
	ImageURLs     []string   `json:"imageUrls,omitempty"`
	TargetModel   string     `json:"targetModel,omitempty"`
}

// ChatReply is the director's answer plus any side effects it performed.
// Mode is empty when the director does not move the workflow along.
type ChatReply struct {
	Response          string          `json:"response"`
	Mode              Mode            `json:"mode,omitempty"`
	ProjectUpdates    *ProjectUpdates `json:"projectUpdates,omitempty"`
	ScriptUpdates     *ScriptUpdates  `json:"scriptUpdates,omitempty"`
	CreatedCharacters []EntityRef     `json:"createdCharacters,omitempty"`
	CreatedObjects    []EntityRef     `json:"createdObjects,omitempty"`
	UpdatedCharacters []EntityRef     `json:"updatedCharacters,omitempty"`
	UpdatedObjects    []EntityRef     `json:"updatedObjects,omitempty"`
	CreatedScenes     []EntityRef     `json:"createdScenes,omitempty"`
}
