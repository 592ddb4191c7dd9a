// Package assistant provides the conversation backend the turn controller
// talks to: threads of turns, asynchronous runs that produce assistant
// replies, and the generators that call an upstream model.
package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/quietloudlab/designmewithme/pkg/llm"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether the run will not change status again.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is a snapshot of one assistant run on a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrUnknownThread is returned for thread ids that do not exist.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrUnknownRun is returned for run ids that do not exist.
	ErrUnknownRun = errors.New("unknown run")

	// ErrRunActive is returned when a run is started on a thread that
	// already has one in flight.
	ErrRunActive = errors.New("thread already has an active run")
)

// Collaborator is the external turn generator.
type Collaborator interface {
	// CreateThread starts an empty conversation and returns its id.
	CreateThread(ctx context.Context) (string, error)

	// DeleteThread forgets a conversation. Runs still in flight finish
	// but their replies are discarded.
	DeleteThread(ctx context.Context, threadID string) error

	// CreateMessage appends a user turn to the thread.
	CreateMessage(ctx context.Context, threadID, text string) (llm.ConversationTurn, error)

	// CreateRun asks the assistant to reply to the thread asynchronously.
	CreateRun(ctx context.Context, threadID string) (Run, error)

	// PollRun returns the current state of a run.
	PollRun(ctx context.Context, threadID, runID string) (Run, error)

	// ListMessagesSince returns the thread's turns created at or after
	// since, in listing order.
	ListMessagesSince(ctx context.Context, threadID string, since time.Time) ([]llm.ConversationTurn, error)
}

// Generator produces one assistant reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}
