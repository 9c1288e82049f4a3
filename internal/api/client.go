package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/cutroom/internal/types"
)

// DefaultClientTimeout bounds a single API call. Director turns can take a
// while.
const DefaultClientTimeout = 2 * time.Minute

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to a Server. It implements types.ConversationService,
// types.Director and types.Summarizer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

type ClientOption func(*Client)

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

var (
	_ types.ConversationService = (*Client)(nil)
	_ types.Director            = (*Client)(nil)
	_ types.Summarizer          = (*Client)(nil)
)

// NewClient returns a client for the server at baseURL. A nil httpClient
// uses one with DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) LoadConversation(ctx context.Context, id types.ProjectID) (*types.Conversation, error) {
	var conv types.Conversation
	if err := c.do(ctx, http.MethodGet, projectPath(id, "/conversation"), nil, &conv); err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", id, err)
	}
	return &conv, nil
}

func (c *Client) SaveConversationMessage(ctx context.Context, id types.ProjectID, msg types.Message, meta types.SessionMeta) error {
	body := saveRequest{Message: msg, Meta: meta}
	if err := c.do(ctx, http.MethodPost, projectPath(id, "/conversation/messages"), body, nil); err != nil {
		return fmt.Errorf("save message %d: %w", id, err)
	}
	return nil
}

func (c *Client) ReplaceConversationMessages(ctx context.Context, id types.ProjectID, msgs []types.Message, meta types.SessionMeta) error {
	body := replaceRequest{Messages: msgs, Meta: meta}
	if err := c.do(ctx, http.MethodPut, projectPath(id, "/conversation"), body, nil); err != nil {
		return fmt.Errorf("replace conversation %d: %w", id, err)
	}
	return nil
}

func (c *Client) CompactConversation(ctx context.Context, id types.ProjectID, msgs []types.SummaryInput, scriptContent string) (*types.CompactionResult, error) {
	var res types.CompactionResult
	body := compactRequest{Messages: msgs, ScriptContent: scriptContent}
	if err := c.do(ctx, http.MethodPost, projectPath(id, "/conversation/compact"), body, &res); err != nil {
		return nil, fmt.Errorf("compact conversation %d: %w", id, err)
	}
	return &res, nil
}

func (c *Client) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatReply, error) {
	var reply types.ChatReply
	if err := c.do(ctx, http.MethodPost, projectPath(req.ProjectID, "/director/chat"), req, &reply); err != nil {
		return nil, fmt.Errorf("director chat %d: %w", req.ProjectID, err)
	}
	return &reply, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func projectPath(id types.ProjectID, suffix string) string {
	return "/api/projects/" + id.String() + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
