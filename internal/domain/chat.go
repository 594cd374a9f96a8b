package domain

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEvent is one relayed event on a streamed reply. Exactly one of Delta,
// Content or Error is set; Done marks the last data event before the sentinel.
type StreamEvent struct {
	SessionID string `json:"session_id"`
	Delta     string `json:"delta,omitempty"`
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}
