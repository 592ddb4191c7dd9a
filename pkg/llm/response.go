package llm

import "time"

// ChatResponse represents a non-streaming chat completion response (Ollama-compatible).
type ChatResponse struct {
	Model     string    `json:"model"`      // Model that generated the response
	CreatedAt time.Time `json:"created_at"` // Response timestamp
	Message   Message   `json:"message"`    // The assistant's response
	Done      bool      `json:"done"`       // Whether generation is complete

	// Metrics (only present when done=true)
	TotalDuration int64 `json:"total_duration,omitempty"` // Total time in nanoseconds
	EvalCount     int   `json:"eval_count,omitempty"`     // Generated tokens
}
