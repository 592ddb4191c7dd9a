// Package llm provides the wire types used to talk to an upstream chat model
// and the conversation turn type shared by the rest of the system.
package llm

// ErrorResponse is the JSON body the upstream returns when a request fails.
type ErrorResponse struct {
	Error string `json:"error"`
}
