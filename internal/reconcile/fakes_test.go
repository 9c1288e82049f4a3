package reconcile

import (
	"context"
	"slices"
	"sync"

	"github.com/user/cutroom/internal/types"
)

type saveCall struct {
	ProjectID types.ProjectID
	Message   types.Message
	Meta      types.SessionMeta
}

type replaceCall struct {
	ProjectID types.ProjectID
	Messages  []types.Message
	Meta      types.SessionMeta
}

// fakeServer is an in-memory ConversationService that records calls.
type fakeServer struct {
	mu       sync.Mutex
	convs    map[types.ProjectID]*types.Conversation
	loadErr  error
	saveErr  error
	saves    []saveCall
	replaces []replaceCall
}

func newFakeServer() *fakeServer {
	return &fakeServer{convs: make(map[types.ProjectID]*types.Conversation)}
}

func (f *fakeServer) LoadConversation(_ context.Context, id types.ProjectID) (*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	conv, ok := f.convs[id]
	if !ok {
		return &types.Conversation{}, nil
	}
	out := *conv
	out.Messages = slices.Clone(conv.Messages)
	out.Exists = len(out.Messages) > 0
	return &out, nil
}

func (f *fakeServer) SaveConversationMessage(_ context.Context, id types.ProjectID, msg types.Message, meta types.SessionMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{id, msg, meta})
	if f.saveErr != nil {
		return f.saveErr
	}
	conv := f.conv(id)
	conv.Messages = append(conv.Messages, msg)
	conv.Mode, conv.ScriptContent, conv.TargetModel = meta.Mode, meta.ScriptContent, meta.TargetModel
	return nil
}

func (f *fakeServer) ReplaceConversationMessages(_ context.Context, id types.ProjectID, msgs []types.Message, meta types.SessionMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces = append(f.replaces, replaceCall{id, slices.Clone(msgs), meta})
	conv := f.conv(id)
	conv.Messages = slices.Clone(msgs)
	return nil
}

func (f *fakeServer) conv(id types.ProjectID) *types.Conversation {
	conv, ok := f.convs[id]
	if !ok {
		conv = &types.Conversation{}
		f.convs[id] = conv
	}
	return conv
}

func (f *fakeServer) saveCalls() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.saves)
}
