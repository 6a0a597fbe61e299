package types

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole returns the role for s and whether it is one of the allowed roles.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(s), true
	default:
		return "", false
	}
}

// ChatMessage is a single validated conversational turn.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the validated form of an inbound chat request.
// Messages keep their conversational order.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// WithMessages returns a copy of the request carrying msgs instead of the
// original messages. The receiver is left untouched.
func (r *ChatRequest) WithMessages(msgs []ChatMessage) *ChatRequest {
	out := *r
	out.Messages = msgs
	return &out
}

// Contents returns the message contents in order.
func (r *ChatRequest) Contents() []string {
	out := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = m.Content
	}
	return out
}
