package llm

// ChatRequest represents a chat completion request (Ollama-compatible).
type ChatRequest struct {
	Model    string    `json:"model"`            // Model name (e.g., "llama3.1", "mistral")
	Messages []Message `json:"messages"`         // System instructions followed by the thread
	Stream   *bool     `json:"stream,omitempty"` // Always false; runs wait for the full reply

	// Generation options
	Options *Options `json:"options,omitempty"`

	// Keep model loaded
	KeepAlive string `json:"keep_alive,omitempty"`
}
