package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/cutroom/internal/state"
	"github.com/user/cutroom/internal/types"
)

type mockDirector struct {
	last types.ChatRequest
	err  error
}

func (m *mockDirector) Chat(_ context.Context, req types.ChatRequest) (*types.ChatReply, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &types.ChatReply{Response: "reply to " + req.UserText, Mode: types.ModeScriptFirst}, nil
}

type mockSummarizer struct {
	got []types.SummaryInput
}

func (m *mockSummarizer) CompactConversation(_ context.Context, _ types.ProjectID, msgs []types.SummaryInput, _ string) (*types.CompactionResult, error) {
	m.got = msgs
	return &types.CompactionResult{Summary: "S", OpenQuestions: "Q"}, nil
}

func setupServer(t *testing.T) (*Server, *mockDirector, *mockSummarizer) {
	t.Helper()
	dir, sum := &mockDirector{}, &mockSummarizer{}
	return NewServer(state.NewFileStore(t.TempDir()), dir, sum, nil), dir, sum
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestLoadMissingConversation(t *testing.T) {
	srv, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/projects/7/conversation", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var conv types.Conversation
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	if conv.Exists || conv.Messages == nil || len(conv.Messages) != 0 {
		t.Errorf("expected empty non-existent conversation, got %+v", conv)
	}
}

func TestInvalidProjectID(t *testing.T) {
	srv, _, _ := setupServer(t)
	for _, path := range []string{"/api/projects/abc/conversation", "/api/projects/0/conversation"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestSaveRejectsInvalidMessage(t *testing.T) {
	srv, _, _ := setupServer(t)

	body := `{"message":{"id":"m1","role":"narrator","content":"x"},"meta":{"mode":"initial"}}`
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects/1/conversation/messages", strings.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSaveInvalidJSON(t *testing.T) {
	srv, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects/1/conversation/messages", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChatUsesPathProjectID(t *testing.T) {
	srv, dir, _ := setupServer(t)

	body := `{"projectId": 99, "userText": "hello", "mode": "initial"}`
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects/3/director/chat", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if dir.last.ProjectID != 3 {
		t.Errorf("expected project 3, got %d", dir.last.ProjectID)
	}
}

func TestChatDirectorFailure(t *testing.T) {
	srv, dir, _ := setupServer(t)
	dir.err = errors.New("model down")

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects/3/director/chat", strings.NewReader(`{"userText":"hi"}`)))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestUnconfiguredDirector(t *testing.T) {
	srv := NewServer(state.NewFileStore(t.TempDir()), nil, nil, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects/3/director/chat", strings.NewReader(`{"userText":"hi"}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv, _, sum := setupServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(ts.URL+"/", nil)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatal(err)
	}

	meta := types.SessionMeta{Mode: types.ModeRefining, ScriptContent: "FADE IN:", TargetModel: "veo-3"}
	first := types.NewMessage(types.RoleAssistant, "Welcome!")
	second := types.NewMessage(types.RoleUser, "hi", "https://img/a.png")
	for _, m := range []types.Message{first, second} {
		if err := c.SaveConversationMessage(ctx, 5, m, meta); err != nil {
			t.Fatal(err)
		}
	}

	conv, err := c.LoadConversation(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	want := &types.Conversation{
		Exists:        true,
		Messages:      []types.Message{first, second},
		Mode:          types.ModeRefining,
		ScriptContent: "FADE IN:",
		TargetModel:   "veo-3",
	}
	if diff := cmp.Diff(want, conv); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}

	digest := types.NewMessage(types.RoleSummary, "S")
	digest.KeyDecisions = []string{"noir"}
	if err := c.ReplaceConversationMessages(ctx, 5, []types.Message{digest, second}, meta); err != nil {
		t.Fatal(err)
	}
	conv, err = c.LoadConversation(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].ID != digest.ID {
		t.Errorf("replace not applied: %+v", conv.Messages)
	}

	reply, err := c.Chat(ctx, types.ChatRequest{ProjectID: 5, UserText: "go on"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != "reply to go on" || reply.Mode != types.ModeScriptFirst {
		t.Errorf("unexpected reply %+v", reply)
	}

	res, err := c.CompactConversation(ctx, 5, []types.SummaryInput{{Role: types.RoleUser, Content: "x"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary != "S" || res.OpenQuestions != "Q" || len(sum.got) != 1 {
		t.Errorf("unexpected compaction result %+v", res)
	}
}

func TestClientStatusError(t *testing.T) {
	srv, _, _ := setupServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	bad := types.Message{ID: "x", Role: "narrator"}
	err := c.SaveConversationMessage(context.Background(), 1, bad, types.SessionMeta{})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest || !strings.Contains(se.Message, "invalid message") {
		t.Errorf("unexpected status error %+v", se)
	}
}

func TestListConversations(t *testing.T) {
	srv, _, _ := setupServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	if err := c.SaveConversationMessage(context.Background(), 2, types.NewMessage(types.RoleUser, "a"), types.SessionMeta{Mode: types.ModeInitial}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var metas []state.ConversationMeta
	if err := json.NewDecoder(resp.Body).Decode(&metas); err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].ProjectID != 2 || metas[0].MessageCount != 1 {
		t.Errorf("unexpected list %+v", metas)
	}
}

func TestTokenRequired(t *testing.T) {
	srv := NewServer(state.NewFileStore(t.TempDir()), nil, nil, nil, WithToken("s3cret"))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	ctx := context.Background()

	if err := NewClient(ts.URL, nil).Health(ctx); err != nil {
		t.Fatalf("health should not need a token: %v", err)
	}

	_, err := NewClient(ts.URL, nil).LoadConversation(ctx, 1)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	_, err = NewClient(ts.URL, nil, WithBearerToken("wrong")).LoadConversation(ctx, 1)
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %v", err)
	}

	if _, err := NewClient(ts.URL, nil, WithBearerToken("s3cret")).LoadConversation(ctx, 1); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}
