package director

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/cutroom/internal/compaction"
	"github.com/user/cutroom/internal/reconcile"
	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeServer struct {
	mu       sync.Mutex
	saved    []types.Message
	replaced [][]types.Message
}

func (f *fakeServer) LoadConversation(context.Context, types.ProjectID) (*types.Conversation, error) {
	return &types.Conversation{}, nil
}

func (f *fakeServer) SaveConversationMessage(_ context.Context, _ types.ProjectID, msg types.Message, _ types.SessionMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeServer) ReplaceConversationMessages(_ context.Context, _ types.ProjectID, msgs []types.Message, _ types.SessionMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, slices.Clone(msgs))
	return nil
}

func (f *fakeServer) savedRoles() []types.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Role, len(f.saved))
	for i, m := range f.saved {
		out[i] = m.Role
	}
	return out
}

type fakeDirector struct {
	mu   sync.Mutex
	reqs []types.ChatRequest
	fn   func(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error)
}

func (f *fakeDirector) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &types.ChatReply{Response: "echo: " + req.UserText}, nil
	}
	return fn(ctx, req)
}

func (f *fakeDirector) requests() []types.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.reqs)
}

type fakeSummarizer struct{}

func (fakeSummarizer) CompactConversation(context.Context, types.ProjectID, []types.SummaryInput, string) (*types.CompactionResult, error) {
	return &types.CompactionResult{Summary: "S"}, nil
}

type harness struct {
	id       types.ProjectID
	store    *session.Store
	server   *fakeServer
	outbox   *reconcile.Outbox
	director *fakeDirector
	chat     *Chat
}

func newHarness(t *testing.T, id types.ProjectID) *harness {
	t.Helper()
	h := &harness{
		id:       id,
		store:    session.NewMemoryStore(),
		server:   &fakeServer{},
		outbox:   reconcile.NewOutbox(2, nil),
		director: &fakeDirector{},
	}
	h.outbox.Start(context.Background())
	t.Cleanup(h.outbox.Stop)
	return h
}

// open mounts the chat. Call after any local seeding.
func (h *harness) open(t *testing.T) reconcile.State {
	t.Helper()
	persister := reconcile.NewPersister(h.server, h.outbox)
	h.chat = New(h.id, Deps{
		Store:      h.store,
		Director:   h.director,
		Persister:  persister,
		Reconciler: reconcile.New(h.id, h.store, h.server, persister, nil),
		Compactor:  compaction.New(h.store, fakeSummarizer{}, persister, compaction.DefaultConfig(), nil),
	})
	t.Cleanup(h.chat.Close)
	return h.chat.Open(context.Background())
}

func (h *harness) messages() []types.Message {
	return h.store.GetSession(h.id).Messages
}

func TestSendBeforeOpen(t *testing.T) {
	h := newHarness(t, 1)
	h.chat = New(1, Deps{Store: h.store, Director: h.director})
	_, err := h.chat.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSendAppendsAndPersistsTurn(t *testing.T) {
	h := newHarness(t, 7)
	assert.Equal(t, reconcile.Seeded, h.open(t))

	reply, err := h.chat.Send(context.Background(), "I have a script", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: I have a script", reply.Content)
	assert.Equal(t, Idle, h.chat.State())

	msgs := h.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, types.RoleAssistant, msgs[0].Role)
	assert.Equal(t, types.RoleUser, msgs[1].Role)
	assert.Equal(t, reply.ID, msgs[2].ID)

	require.True(t, h.outbox.WaitIdle(time.Second))
	assert.Equal(t, []types.Role{types.RoleAssistant, types.RoleUser, types.RoleAssistant}, h.server.savedRoles())
}

func TestSendRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, 1)
	h.open(t)

	_, err := h.chat.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	tooMany := make([]string, types.MaxImageURLs+1)
	for i := range tooMany {
		tooMany[i] = "https://img/x.png"
	}
	_, err = h.chat.Send(context.Background(), "look", tooMany)
	assert.ErrorIs(t, err, types.ErrInvalidMessage)
	assert.Len(t, h.messages(), 1)
}

func TestHistoryExcludesNewMessageAndMapsDigests(t *testing.T) {
	h := newHarness(t, 2)
	h.store.SetMessages(2, []types.Message{
		types.NewMessage(types.RoleSummary, "digest"),
		types.NewMessage(types.RoleUser, "earlier"),
	})
	h.store.SetScriptContent(2, "FADE IN:")
	h.open(t)

	_, err := h.chat.Send(context.Background(), "now", []string{"https://img/a.png"})
	require.NoError(t, err)

	req := h.director.requests()[0]
	assert.Equal(t, "now", req.UserText)
	assert.Equal(t, []types.ChatTurn{
		{Role: types.RoleAssistant, Content: "digest"},
		{Role: types.RoleUser, Content: "earlier"},
	}, req.History)
	assert.Equal(t, "FADE IN:", req.ScriptContent)
	assert.Equal(t, types.ModeInitial, req.Mode)
	assert.Equal(t, []string{"https://img/a.png"}, req.ImageURLs)
}

func TestBusyWhileAwaitingReply(t *testing.T) {
	h := newHarness(t, 1)
	release := make(chan struct{})
	h.director.fn = func(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error) {
		<-release
		return &types.ChatReply{Response: "done"}, nil
	}
	h.open(t)

	done := make(chan error)
	go func() {
		_, err := h.chat.Send(context.Background(), "first", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.chat.State() == AwaitingReply }, time.Second, 5*time.Millisecond)

	_, err := h.chat.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, h.chat.State())
	assert.Len(t, h.director.requests(), 1)
}

func TestTurnFailureAppendsErrorMessage(t *testing.T) {
	h := newHarness(t, 4)
	boom := errors.New("upstream 500")
	h.director.fn = func(context.Context, types.ChatRequest) (*types.ChatReply, error) {
		return nil, boom
	}
	h.open(t)
	require.True(t, h.outbox.WaitIdle(time.Second))

	msg, err := h.chat.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrTurnFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, Idle, h.chat.State())

	msgs := h.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, msg.ID, msgs[2].ID)

	// Only the welcome reached the server.
	require.True(t, h.outbox.WaitIdle(time.Second))
	assert.Equal(t, []types.Role{types.RoleAssistant}, h.server.savedRoles())

	// The user can retry.
	h.director.mu.Lock()
	h.director.fn = nil
	h.director.mu.Unlock()
	_, err = h.chat.Send(context.Background(), "hello again", nil)
	assert.NoError(t, err)
}

func TestReplyMutationsApplied(t *testing.T) {
	h := newHarness(t, 5)
	h.store.SetProjectSnapshot(5, types.ProjectSnapshot{ID: 5, Title: "Untitled", Genre: "drama"})
	h.open(t)

	h.director.fn = func(context.Context, types.ChatRequest) (*types.ChatReply, error) {
		return &types.ChatReply{
			Response:          "Here's a first draft.",
			Mode:              types.ModeIdeaFirst,
			ProjectUpdates:    &types.ProjectUpdates{Title: "Low Tide"},
			ScriptUpdates:     &types.ScriptUpdates{Content: "FADE IN: a harbor at dawn."},
			CreatedCharacters: []types.EntityRef{{ID: 11, Name: "Mara"}},
		}, nil
	}
	msg, err := h.chat.Send(context.Background(), "an idea about the sea", nil)
	require.NoError(t, err)

	sess := h.store.GetSession(5)
	assert.Equal(t, types.ModeIdeaFirst, sess.Mode)
	assert.Equal(t, "FADE IN: a harbor at dawn.", sess.ScriptContent)
	require.NotNil(t, sess.ProjectSnapshot)
	assert.Equal(t, "Low Tide", sess.ProjectSnapshot.Title)
	assert.Equal(t, "drama", sess.ProjectSnapshot.Genre)

	require.NotNil(t, msg.ScriptUpdates)
	assert.True(t, msg.ScriptUpdates.Applied)
	assert.Equal(t, []types.EntityRef{{ID: 11, Name: "Mara"}}, msg.CreatedCharacters)
}

func TestScriptGuardRejectsTruncation(t *testing.T) {
	current := strings.Repeat("x", 100)
	tests := []struct {
		name     string
		proposed string
		applied  bool
	}{
		{"less than half", strings.Repeat("y", 49), false},
		{"exactly half", strings.Repeat("y", 50), true},
		{"longer", strings.Repeat("y", 150), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 6)
			h.store.SetScriptContent(6, current)
			h.director.fn = func(context.Context, types.ChatRequest) (*types.ChatReply, error) {
				return &types.ChatReply{Response: "revised", ScriptUpdates: &types.ScriptUpdates{Content: tt.proposed}}, nil
			}
			h.open(t)

			msg, err := h.chat.Send(context.Background(), "tighten it", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, msg.ScriptUpdates.Applied)
			want := current
			if tt.applied {
				want = tt.proposed
			}
			assert.Equal(t, want, h.store.GetSession(6).ScriptContent)
		})
	}
}

func TestAcceptScript(t *testing.T) {
	assert.True(t, acceptScript("", "FADE IN:"))
	assert.False(t, acceptScript("FADE IN:", "  "))
	assert.False(t, acceptScript("0123456789", "0123"))
	assert.True(t, acceptScript("0123456789", "01234"))
}

func TestMailboxDelivery(t *testing.T) {
	h := newHarness(t, 3)
	h.open(t)

	h.store.QueueMessage(9, "for another project")
	h.store.QueueMessage(3, "describe scene 4")

	require.Eventually(t, func() bool { return len(h.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "describe scene 4", h.messages()[1].Content)
	assert.Nil(t, h.store.QueuedMessage())
}

func TestMailboxItemForOtherProjectStays(t *testing.T) {
	h := newHarness(t, 3)
	h.open(t)

	h.store.QueueMessage(9, "not mine")
	assert.Never(t, func() bool { return h.store.QueuedMessage() == nil }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, h.messages(), 1)
}

func TestMailboxQueuedBeforeOpen(t *testing.T) {
	h := newHarness(t, 3)
	h.store.QueueMessage(3, "from the storyboard")
	h.open(t)

	require.Eventually(t, func() bool { return len(h.director.requests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "from the storyboard", h.director.requests()[0].UserText)
}

func TestMailboxDeferredWhileBusyLastWriterWins(t *testing.T) {
	h := newHarness(t, 3)
	release := make(chan struct{})
	h.director.fn = func(_ context.Context, req types.ChatRequest) (*types.ChatReply, error) {
		if req.UserText == "first" {
			<-release
		}
		return &types.ChatReply{Response: "ok"}, nil
	}
	h.open(t)

	done := make(chan error)
	go func() {
		_, err := h.chat.Send(context.Background(), "first", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.chat.State() == AwaitingReply }, time.Second, 5*time.Millisecond)

	h.store.QueueMessage(3, "queued a")
	h.store.QueueMessage(3, "queued b")
	assert.Equal(t, "queued b", h.store.QueuedMessage().Content)

	close(release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return len(h.director.requests()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "queued b", h.director.requests()[1].UserText)
	assert.Never(t, func() bool { return len(h.director.requests()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Nil(t, h.store.QueuedMessage())
}

func TestCompactionAfterQualifyingTurn(t *testing.T) {
	h := newHarness(t, 8)
	seed := make([]types.Message, 20)
	for i := range seed {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		seed[i] = types.NewMessage(role, "earlier")
	}
	h.store.SetMessages(8, seed)
	assert.Equal(t, reconcile.LocalOnly, h.open(t))

	_, err := h.chat.Send(context.Background(), "next", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.messages()) == 7 }, time.Second, 5*time.Millisecond)
	msgs := h.messages()
	assert.Equal(t, types.RoleSummary, msgs[0].Role)
	assert.Equal(t, "next", msgs[5].Content)

	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	require.Len(t, h.server.replaced, 1)
	assert.Len(t, h.server.replaced[0], 7)
}

func TestCloseDropsLateReply(t *testing.T) {
	h := newHarness(t, 1)
	h.director.fn = func(ctx context.Context, _ types.ChatRequest) (*types.ChatReply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.open(t)

	done := make(chan error)
	go func() {
		_, err := h.chat.Send(context.Background(), "hello", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.chat.State() == AwaitingReply }, time.Second, 5*time.Millisecond)

	h.chat.Close()
	assert.ErrorIs(t, <-done, ErrNotOpen)

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[1].Role)

	_, err := h.chat.Send(context.Background(), "again", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestOnQueuedTurnCallback(t *testing.T) {
	h := newHarness(t, 3)
	got := make(chan string, 1)
	persister := reconcile.NewPersister(h.server, h.outbox)
	h.chat = New(3, Deps{
		Store:      h.store,
		Director:   h.director,
		Persister:  persister,
		Reconciler: reconcile.New(3, h.store, h.server, persister, nil),
		OnQueuedTurn: func(user string, reply types.Message, err error) {
			if err == nil {
				got <- user + " -> " + reply.Content
			}
		},
	})
	t.Cleanup(h.chat.Close)
	h.chat.Open(context.Background())

	h.store.QueueMessage(3, "ping")
	select {
	case s := <-got:
		assert.Equal(t, "ping -> echo: ping", s)
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}
