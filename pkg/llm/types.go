package llm

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ImageURLs are attached to user messages as image parts.
	ImageURLs []string `json:"image_urls,omitempty"`
}

// Format selects the shape of the model's reply.
type Format string

const (
	FormatText Format = ""
	FormatJSON Format = "json_object"
)

// Request is a single completion request.
type Request struct {
	Messages []Message
	// Model overrides the provider's configured model when set.
	Model  string
	Format Format
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
