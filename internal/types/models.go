package types

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSummary   Role = "summary"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSummary:
		return true
	}
	return false
}

// Mode is the workflow mode of a project conversation.
type Mode string

const (
	ModeInitial     Mode = "initial"
	ModeScriptFirst Mode = "script-first"
	ModeIdeaFirst   Mode = "idea-first"
	ModeRefining    Mode = "refining"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeInitial, ModeScriptFirst, ModeIdeaFirst, ModeRefining:
		return true
	}
	return false
}

// MaxImageURLs is the most images a single message can carry.
const MaxImageURLs = 10

var ErrInvalidMessage = errors.New("invalid message")

// EntityRef is a lightweight pointer to a character, object or scene.
type EntityRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ProjectUpdates holds project fields the assistant proposed to change.
// Empty fields are left alone.
type ProjectUpdates struct {
	Title       string `json:"title,omitempty"`
	Logline     string `json:"logline,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Tone        string `json:"tone,omitempty"`
	VisualStyle string `json:"visualStyle,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func (u *ProjectUpdates) Empty() bool {
	return u == nil || *u == ProjectUpdates{}
}

// ScriptUpdates is a full script replacement proposed by the assistant.
type ScriptUpdates struct {
	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
	Applied bool   `json:"applied"`
}

// Message is one turn of a project conversation.
type Message struct {
	ID                MessageID       `json:"id"`
	Role              Role            `json:"role"`
	Content           string          `json:"content"`
	CreatedAt         time.Time       `json:"createdAt"`
	ImageURLs         []string        `json:"imageUrls,omitempty"`
	ProjectUpdates    *ProjectUpdates `json:"projectUpdates,omitempty"`
	ScriptUpdates     *ScriptUpdates  `json:"scriptUpdates,omitempty"`
	CreatedCharacters []EntityRef     `json:"createdCharacters,omitempty"`
	CreatedObjects    []EntityRef     `json:"createdObjects,omitempty"`
	UpdatedCharacters []EntityRef     `json:"updatedCharacters,omitempty"`
	UpdatedObjects    []EntityRef     `json:"updatedObjects,omitempty"`
	CreatedScenes     []EntityRef     `json:"createdScenes,omitempty"`
	KeyDecisions      []string        `json:"keyDecisions,omitempty"`
}

// NewMessage creates a message with a fresh ID. imageURLs is copied.
func NewMessage(role Role, content string, imageURLs ...string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		ImageURLs: slices.Clone(imageURLs),
	}
}

// Validate checks the structural invariants of a message.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if len(m.ImageURLs) > MaxImageURLs {
		return fmt.Errorf("%w: %d images (max %d)", ErrInvalidMessage, len(m.ImageURLs), MaxImageURLs)
	}
	if len(m.KeyDecisions) > 0 && m.Role != RoleSummary {
		return fmt.Errorf("%w: key decisions on %s message", ErrInvalidMessage, m.Role)
	}
	return nil
}

// ProjectSnapshot is the last known state of the project as seen by the chat.
type ProjectSnapshot struct {
	ID          ProjectID `json:"id"`
	Title       string    `json:"title"`
	Logline     string    `json:"logline,omitempty"`
	Genre       string    `json:"genre,omitempty"`
	Tone        string    `json:"tone,omitempty"`
	VisualStyle string    `json:"visualStyle,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// Apply returns a copy of the snapshot with the non-empty update fields set.
func (p ProjectSnapshot) Apply(u *ProjectUpdates) ProjectSnapshot {
	if u == nil {
		return p
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.Title, u.Title)
	set(&p.Logline, u.Logline)
	set(&p.Genre, u.Genre)
	set(&p.Tone, u.Tone)
	set(&p.VisualStyle, u.VisualStyle)
	set(&p.Notes, u.Notes)
	return p
}

// Session is the per-project conversation state. TargetModel is empty when unset.
type Session struct {
	Messages        []Message        `json:"messages"`
	ScriptContent   string           `json:"scriptContent"`
	Mode            Mode             `json:"mode"`
	ProjectSnapshot *ProjectSnapshot `json:"projectSnapshot,omitempty"`
	TargetModel     string           `json:"targetModel,omitempty"`
	Revision        uint64           `json:"revision"`
}

func DefaultSession() Session {
	return Session{Mode: ModeInitial}
}

// Meta returns the metadata sent to the server with every conversation write.
func (s Session) Meta() SessionMeta {
	return SessionMeta{
		Mode:          s.Mode,
		ScriptContent: s.ScriptContent,
		TargetModel:   s.TargetModel,
	}
}

// Clone returns a copy whose message slice and snapshot are not shared with s.
func (s Session) Clone() Session {
	s.Messages = slices.Clone(s.Messages)
	if s.ProjectSnapshot != nil {
		snap := *s.ProjectSnapshot
		s.ProjectSnapshot = &snap
	}
	return s
}

type SessionMeta struct {
	Mode          Mode   `json:"mode,omitempty"`
	ScriptContent string `json:"scriptContent,omitempty"`
	TargetModel   string `json:"targetModel,omitempty"`
}

// Conversation is the server's stored record for a project.
type Conversation struct {
	Exists        bool      `json:"exists"`
	Messages      []Message `json:"messages"`
	Mode          Mode      `json:"mode,omitempty"`
	ScriptContent string    `json:"scriptContent,omitempty"`
	TargetModel   string    `json:"targetModel,omitempty"`
}

// QueuedMessage is the content of the mailbox slot.
type QueuedMessage struct {
	ProjectID ProjectID `json:"projectId"`
	Content   string    `json:"content"`
}
