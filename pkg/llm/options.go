package llm

// Options contains model inference parameters forwarded to the upstream.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"` // Creativity (0.0-2.0)
	TopP        *float64 `json:"top_p,omitempty"`       // Nucleus sampling threshold
	Seed        *int     `json:"seed,omitempty"`        // Random seed for reproducibility

	// Max tokens to generate
	NumPredict *int `json:"num_predict,omitempty"`
	// Context window size
	NumCtx *int `json:"num_ctx,omitempty"`
}
