package turn

import (
	"errors"
	"fmt"

	"github.com/quietloudlab/designmewithme/pkg/assistant"
	"github.com/quietloudlab/designmewithme/pkg/directive"
)

var (
	// ErrSessionBusy is returned when a session already has a turn or reset
	// in progress. Turns for one session are never interleaved.
	ErrSessionBusy = errors.New("session busy: a turn is already in progress")

	// ErrRunTimeout is returned when the assistant run does not finish in
	// time. The run itself is left alone and may still complete.
	ErrRunTimeout = errors.New("timed out waiting for the assistant")

	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is empty")
)

// CollaboratorError reports a failure talking to the assistant backend. The
// turn is aborted but the session stays usable.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("assistant %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// DirectiveError reports that an assistant turn carried a directive that
// could not be applied. The turn's prose is still delivered.
type DirectiveError struct {
	TurnID string
	Err    error
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("turn %s: %v", e.TurnID, e.Err)
}

func (e *DirectiveError) Unwrap() error {
	return e.Err
}

// errNothingPermitted is wrapped in a DirectiveError when every request of a
// directive was refused by the policy.
var errNothingPermitted = errors.New("no requested change is permitted")

// User-facing feedback messages.
const (
	FeedbackSomethingWrong = "Something went wrong talking to the assistant. Please try again."
	FeedbackBusy           = "Still working on your previous message."
	FeedbackTimeout        = "The assistant is taking too long to answer. Please try again."
	FeedbackNotApplied     = "Your message was understood but the styling change could not be applied."
	FeedbackPartlyApplied  = "Some of the styling changes could not be applied."
)

// Feedback maps an error from Submit or Result.Errors to a message suitable
// for the end user.
func Feedback(err error) string {
	var (
		derr *DirectiveError
		perr *directive.ParseError
	)
	switch {
	case errors.Is(err, ErrSessionBusy), errors.Is(err, assistant.ErrRunActive):
		return FeedbackBusy
	case errors.Is(err, ErrRunTimeout):
		return FeedbackTimeout
	case errors.As(err, &derr) && (errors.As(err, &perr) || errors.Is(err, errNothingPermitted)):
		return FeedbackNotApplied
	case errors.As(err, &derr):
		return FeedbackPartlyApplied
	default:
		return FeedbackSomethingWrong
	}
}
