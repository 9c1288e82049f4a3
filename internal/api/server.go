// Package api exposes the conversation record, the director and the
// summarizer over HTTP, and provides a client for them.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/cutroom/internal/state"
	"github.com/user/cutroom/internal/types"
)

// MaxBodyBytes bounds request bodies. A full conversation replace is the
// largest payload.
const MaxBodyBytes = 8 << 20

// Server is the HTTP handler for the conversation API.
type Server struct {
	conversations types.ConversationService
	director      types.Director
	summarizer    types.Summarizer
	logger        *slog.Logger
	token         string
	mux           *http.ServeMux
}

type ServerOption func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every route except
// the health check.
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// NewServer wires the routes. director and summarizer may be nil, in which
// case their routes answer 503.
func NewServer(conversations types.ConversationService, director types.Director, summarizer types.Summarizer, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conversations: conversations,
		director:      director,
		summarizer:    summarizer,
		logger:        logger,
		mux:           http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/conversations", s.handleList)
	s.mux.HandleFunc("GET /api/projects/{id}/conversation", s.handleLoad)
	s.mux.HandleFunc("POST /api/projects/{id}/conversation/messages", s.handleSave)
	s.mux.HandleFunc("PUT /api/projects/{id}/conversation", s.handleReplace)
	s.mux.HandleFunc("POST /api/projects/{id}/conversation/compact", s.handleCompact)
	s.mux.HandleFunc("POST /api/projects/{id}/director/chat", s.handleChat)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Path != "/health" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// saveRequest is the JSON body for POST .../conversation/messages.
type saveRequest struct {
	Message types.Message     `json:"message"`
	Meta    types.SessionMeta `json:"meta"`
}

// replaceRequest is the JSON body for PUT .../conversation.
type replaceRequest struct {
	Messages []types.Message   `json:"messages"`
	Meta     types.SessionMeta `json:"meta"`
}

// compactRequest is the JSON body for POST .../conversation/compact.
type compactRequest struct {
	Messages      []types.SummaryInput `json:"messages"`
	ScriptContent string               `json:"scriptContent"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.conversations.(state.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "listing not supported")
		return
	}
	metas, err := lister.List(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if metas == nil {
		metas = []*state.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	conv, err := s.conversations.LoadConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("load conversation failed", "project_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conv.Messages == nil {
		conv.Messages = []types.Message{}
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.conversations.SaveConversationMessage(r.Context(), id, req.Message, req.Meta)
	s.writeResult(w, "save message", id, err)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	var req replaceRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.conversations.ReplaceConversationMessages(r.Context(), id, req.Messages, req.Meta)
	s.writeResult(w, "replace conversation", id, err)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.summarizer == nil {
		writeError(w, http.StatusServiceUnavailable, "summarizer not configured")
		return
	}
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	var req compactRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	res, err := s.summarizer.CompactConversation(r.Context(), id, req.Messages, req.ScriptContent)
	if err != nil {
		s.logger.Error("compact conversation failed", "project_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "summarizer failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.director == nil {
		writeError(w, http.StatusServiceUnavailable, "director not configured")
		return
	}
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	var req types.ChatRequest
	if !decode(w, r, &req) {
		return
	}
	req.ProjectID = id
	if req.UserText == "" && len(req.ImageURLs) == 0 {
		writeError(w, http.StatusBadRequest, "userText is required")
		return
	}
	if len(req.ImageURLs) > types.MaxImageURLs {
		writeError(w, http.StatusBadRequest, "too many images")
		return
	}
	reply, err := s.director.Chat(r.Context(), req)
	if err != nil {
		s.logger.Error("director chat failed", "project_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "director failed")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) writeResult(w http.ResponseWriter, op string, id types.ProjectID, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, types.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", "project_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func projectID(w http.ResponseWriter, r *http.Request) (types.ProjectID, bool) {
	id, err := types.ParseProjectID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
