// Package reconcile decides, once per mounted chat, whether the server or the
// local cache holds the conversation, and keeps the server updated afterwards.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

// State is a step of the per-mount reconciliation state machine:
// Unresolved → ServerHasData | LocalOnly | Seeded → Synced, or
// Unresolved → Offline when the server could not be reached.
type State int

const (
	Unresolved State = iota
	ServerHasData
	LocalOnly
	Seeded
	Offline
	Synced
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case ServerHasData:
		return "server-has-data"
	case LocalOnly:
		return "local-only"
	case Seeded:
		return "seeded"
	case Offline:
		return "offline"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultLoadTimeout bounds the initial conversation fetch.
const DefaultLoadTimeout = 15 * time.Second

// Reconciler resolves the source of truth for one project view.
type Reconciler struct {
	projectID types.ProjectID
	store     *session.Store
	svc       types.ConversationService
	persister *Persister
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	resolution  State
	transitions []State
}

func New(id types.ProjectID, store *session.Store, svc types.ConversationService, persister *Persister, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		projectID:   id,
		store:       store,
		svc:         svc,
		persister:   persister,
		logger:      logger.With("project_id", id),
		state:       Unresolved,
		transitions: []State{Unresolved},
	}
}

// State returns the current state of the machine.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transitions returns every state the machine has been in, in order.
func (r *Reconciler) Transitions() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func (r *Reconciler) moveTo(s State) {
	r.state = s
	r.transitions = append(r.transitions, s)
}

// Reconcile runs the initial load. Only the first call does any work; later
// calls return the first resolution. It never returns an error: a failed
// fetch degrades to Offline.
func (r *Reconciler) Reconcile(ctx context.Context) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Unresolved {
		return r.resolution
	}

	loadCtx, cancel := context.WithTimeout(ctx, DefaultLoadTimeout)
	conv, err := r.svc.LoadConversation(loadCtx, r.projectID)
	cancel()

	local := r.store.GetSession(r.projectID)

	switch {
	case err != nil:
		r.logger.Warn("conversation load failed, continuing with local state", "error", err)
		if len(local.Messages) == 0 {
			r.seedLocal(local)
		}
		r.resolution = Offline
		r.moveTo(Offline)
		return r.resolution

	case conv != nil && len(conv.Messages) > 0:
		r.adoptServer(conv)
		r.resolution = ServerHasData

	case len(local.Messages) > 0:
		r.logger.Debug("server has no conversation, keeping local messages", "count", len(local.Messages))
		r.resolution = LocalOnly

	default:
		sess := r.seedLocal(local)
		_ = r.persister.AppendMessage(r.projectID, sess.Messages[0], sess.Meta())
		r.resolution = Seeded
	}

	r.moveTo(r.resolution)
	r.moveTo(Synced)
	return r.resolution
}

// adoptServer overwrites local state with the server record. Local-only
// messages are discarded. Optional fields are applied when present.
func (r *Reconciler) adoptServer(conv *types.Conversation) {
	r.store.Update(r.projectID, func(s types.Session) (types.Session, bool) {
		s.Messages = conv.Messages
		if conv.Mode.Valid() {
			s.Mode = conv.Mode
		}
		if conv.ScriptContent != "" {
			s.ScriptContent = conv.ScriptContent
		}
		if conv.TargetModel != "" {
			s.TargetModel = conv.TargetModel
		}
		return s, true
	})
	r.logger.Info("adopted server conversation", "count", len(conv.Messages))
}

func (r *Reconciler) seedLocal(local types.Session) types.Session {
	title := ""
	if local.ProjectSnapshot != nil {
		title = local.ProjectSnapshot.Title
	}
	welcome := WelcomeMessage(r.projectID, title)
	r.logger.Info("seeding welcome message")
	return r.store.SetMessages(r.projectID, []types.Message{welcome})
}

// WelcomeMessage returns the greeting used to open an empty conversation.
// The same project and title always yield the same message.
func WelcomeMessage(id types.ProjectID, title string) types.Message {
	if title == "" {
		title = fmt.Sprintf("Project %d", id)
	}
	return types.Message{
		ID:   types.WelcomeMessageID(id),
		Role: types.RoleAssistant,
		Content: fmt.Sprintf("Welcome to **%s**! I'm your creative director. "+
			"Do you already have a script to work from, or shall we start from an idea?", title),
	}
}
