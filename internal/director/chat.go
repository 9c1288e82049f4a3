// Package director runs the chat of one mounted project: turn-taking, the
// assistant round trip, local mutations, best-effort persistence, mailbox
// delivery and background compaction.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/cutroom/internal/compaction"
	"github.com/user/cutroom/internal/reconcile"
	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

var (
	// ErrBusy is returned by Send while a turn is awaiting its reply.
	ErrBusy = errors.New("director is still replying")

	// ErrTurnFailed wraps assistant failures. The error message has already
	// been appended to the conversation.
	ErrTurnFailed = errors.New("director turn failed")

	// ErrNotOpen is returned before Open has reconciled the session and after Close.
	ErrNotOpen = errors.New("chat is not open")

	ErrEmptyInput = errors.New("message has no text or images")
)

// TurnState is the turn-taking state of a Chat.
type TurnState int

const (
	Idle TurnState = iota
	AwaitingReply
)

func (s TurnState) String() string {
	if s == AwaitingReply {
		return "awaiting-reply"
	}
	return "idle"
}

// ScriptGuardRatio is the shortest accepted script replacement, as a share
// of the current script length.
const ScriptGuardRatio = 0.5

// Chat is the single consumer of one project's conversation.
type Chat struct {
	projectID  types.ProjectID
	store      *session.Store
	director   types.Director
	persister  *reconcile.Persister
	reconciler *reconcile.Reconciler
	compactor  *compaction.Engine
	logger     *slog.Logger
	onQueued   func(user string, reply types.Message, err error)

	mu     sync.Mutex
	state  TurnState
	ready  bool
	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Deps groups the collaborators of a Chat.
type Deps struct {
	Store      *session.Store
	Director   types.Director
	Persister  *reconcile.Persister
	Reconciler *reconcile.Reconciler
	Compactor  *compaction.Engine
	Logger     *slog.Logger

	// OnQueuedTurn, if set, is called after each turn started from the mailbox.
	OnQueuedTurn func(user string, reply types.Message, err error)
}

func New(id types.ProjectID, deps Deps) *Chat {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		projectID:  id,
		store:      deps.Store,
		director:   deps.Director,
		persister:  deps.Persister,
		reconciler: deps.Reconciler,
		compactor:  deps.Compactor,
		logger:     logger.With("project_id", id),
		onQueued:   deps.OnQueuedTurn,
		kick:       make(chan struct{}, 1),
	}
}

func (c *Chat) ProjectID() types.ProjectID { return c.projectID }

// State returns the current turn state.
func (c *Chat) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current local session.
func (c *Chat) Session() types.Session {
	return c.store.GetSession(c.projectID)
}

// Open reconciles the local session with the server and starts mailbox
// delivery. It returns the reconciliation outcome.
func (c *Chat) Open(ctx context.Context) reconcile.State {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return c.reconciler.Reconcile(ctx)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	mountCtx := c.ctx
	c.mu.Unlock()

	state := c.reconciler.Reconcile(mountCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if mountCtx.Err() != nil {
		return state
	}
	c.ready = true
	notify, unsubscribe := c.store.Mailbox().Subscribe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		c.deliverLoop(mountCtx, notify)
	}()
	// An item queued before the mount is delivered right away.
	c.wake()
	return state
}

// Close stops mailbox delivery and waits for background work. Replies that
// arrive afterwards are dropped.
func (c *Chat) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// Send runs one turn with user input. It returns the assistant message, or
// the appended error message together with an error wrapping ErrTurnFailed.
func (c *Chat) Send(ctx context.Context, text string, imageURLs []string) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(imageURLs) == 0 {
		return types.Message{}, ErrEmptyInput
	}
	if len(imageURLs) > types.MaxImageURLs {
		return types.Message{}, fmt.Errorf("%w: %d images (max %d)", types.ErrInvalidMessage, len(imageURLs), types.MaxImageURLs)
	}

	c.mu.Lock()
	if !c.ready || c.ctx.Err() != nil {
		c.mu.Unlock()
		return types.Message{}, ErrNotOpen
	}
	if c.state != Idle {
		c.mu.Unlock()
		return types.Message{}, ErrBusy
	}
	c.state = AwaitingReply
	mountCtx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	return c.turn(ctx, mountCtx, text, imageURLs)
}

func (c *Chat) deliverLoop(ctx context.Context, notify <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-c.kick:
		}
		c.deliver(ctx)
	}
}

// deliver takes the mailbox item for this project if the chat is idle.
// While a turn is outstanding the item stays in the slot.
func (c *Chat) deliver(ctx context.Context) {
	c.mu.Lock()
	if c.state != Idle || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	content, ok := c.store.Mailbox().Take(c.projectID)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.state = AwaitingReply
	c.mu.Unlock()

	c.logger.Debug("delivering queued message")
	reply, err := c.turn(ctx, ctx, content, nil)
	if err != nil {
		c.logger.Warn("queued message turn failed", "error", err)
	}
	if c.onQueued != nil {
		c.onQueued(content, reply, err)
	}
}

func (c *Chat) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// turn runs with the state already set to AwaitingReply.
func (c *Chat) turn(ctx, mountCtx context.Context, text string, imageURLs []string) (types.Message, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(mountCtx, cancel)
	defer stop()

	user := types.NewMessage(types.RoleUser, text, imageURLs...)
	sess := c.store.AddMessage(c.projectID, user)

	reply, err := c.director.Chat(turnCtx, types.ChatRequest{
		ProjectID:     c.projectID,
		UserText:      text,
		History:       history(sess.Messages[:len(sess.Messages)-1]),
		ScriptContent: sess.ScriptContent,
		Mode:          sess.Mode,
		ImageURLs:     user.ImageURLs,
		TargetModel:   sess.TargetModel,
	})
	if mountCtx.Err() != nil {
		c.setIdle()
		return types.Message{}, fmt.Errorf("%w: %w", ErrNotOpen, mountCtx.Err())
	}
	if err != nil {
		msg := types.NewMessage(types.RoleAssistant, errorReply(err))
		c.store.AddMessage(c.projectID, msg)
		c.logger.Warn("director turn failed", "error", err)
		c.finish(mountCtx, false)
		return msg, fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	msg, sess := c.applyReply(reply)
	meta := sess.Meta()
	_ = c.persister.AppendMessage(c.projectID, user, meta)
	_ = c.persister.AppendMessage(c.projectID, msg, meta)

	c.finish(mountCtx, true)
	return msg, nil
}

// applyReply commits the assistant message and the mutations it carries in
// a single store update.
func (c *Chat) applyReply(reply *types.ChatReply) (types.Message, types.Session) {
	msg := types.NewMessage(types.RoleAssistant, reply.Response)
	msg.ProjectUpdates = reply.ProjectUpdates
	msg.CreatedCharacters = reply.CreatedCharacters
	msg.CreatedObjects = reply.CreatedObjects
	msg.UpdatedCharacters = reply.UpdatedCharacters
	msg.UpdatedObjects = reply.UpdatedObjects
	msg.CreatedScenes = reply.CreatedScenes

	sess, _ := c.store.Update(c.projectID, func(s types.Session) (types.Session, bool) {
		if !reply.ProjectUpdates.Empty() {
			snap := types.ProjectSnapshot{ID: c.projectID}
			if s.ProjectSnapshot != nil {
				snap = *s.ProjectSnapshot
			}
			snap = snap.Apply(reply.ProjectUpdates)
			s.ProjectSnapshot = &snap
		}
		if reply.ScriptUpdates != nil {
			su := *reply.ScriptUpdates
			su.Applied = acceptScript(s.ScriptContent, su.Content)
			if su.Applied {
				s.ScriptContent = su.Content
			} else {
				c.logger.Warn("rejected script update shorter than current script",
					"current_len", len(s.ScriptContent),
					"proposed_len", len(su.Content),
				)
			}
			msg.ScriptUpdates = &su
		}
		if reply.Mode.Valid() {
			s.Mode = reply.Mode
		}
		s.Messages = append(s.Messages, msg)
		return s, true
	})
	return msg, sess
}

// finish returns the chat to Idle, starts compaction after a completed
// turn and re-checks the mailbox.
func (c *Chat) finish(mountCtx context.Context, completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	// Close cancels under mu, so no goroutine is added once it waits.
	if completed && c.compactor != nil && mountCtx.Err() == nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.compactor.MaybeCompact(mountCtx, c.projectID); err != nil {
				c.logger.Warn("compaction abandoned", "error", err)
			}
		}()
	}
	c.wake()
}

func (c *Chat) setIdle() {
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

// acceptScript reports whether a proposed script may replace the current
// one. Replacements that shrink a script below half its length are treated
// as truncated output.
func acceptScript(current, proposed string) bool {
	if strings.TrimSpace(proposed) == "" {
		return false
	}
	if current == "" {
		return true
	}
	return float64(len(proposed)) >= float64(len(current))*ScriptGuardRatio
}

// history converts the log for the director. Digests are sent as assistant turns.
func history(msgs []types.Message) []types.ChatTurn {
	out := make([]types.ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == types.RoleSummary {
			role = types.RoleAssistant
		}
		out = append(out, types.ChatTurn{Role: role, Content: m.Content})
	}
	return out
}

func errorReply(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Sorry, I took too long to answer. Please try again."
	}
	return "Sorry, I ran into a problem answering that. Please try again."
}
