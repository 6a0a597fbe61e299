package types

// ChatResponse is returned to the caller after a successful completion.
// Text has already been through outbound redaction.
type ChatResponse struct {
	Text      string `json:"response"`
	ModelUsed string `json:"model"`
}

// Completion is what the upstream collaborator produced, before redaction.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
