// Package turn runs one conversation turn end to end: it hands the user's
// message to the assistant, waits for the reply, and routes every new
// assistant turn through the directive pipeline.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/assistant"
	"github.com/quietloudlab/designmewithme/pkg/directive"
	"github.com/quietloudlab/designmewithme/pkg/llm"
	"github.com/quietloudlab/designmewithme/pkg/logger"
	"github.com/quietloudlab/designmewithme/pkg/policy"
	"github.com/quietloudlab/designmewithme/pkg/style"
)

// Greeting is the fixed introduction shown before the first turn.
const Greeting = "Hello! I'm your AI assistant. How can I help you customize your chat interface today?"

// Defaults for Config.
const (
	DefaultRunTimeout      = 90 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultMaxPollInterval = 2 * time.Second
)

// Config bounds the wait for an assistant run.
type Config struct {
	// RunTimeout is how long Submit waits for the run to finish.
	RunTimeout time.Duration

	// PollInterval is the first delay between run polls. It doubles after
	// every poll up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.PollInterval)
	}
	return c
}

// Result is everything one turn produced for the user.
type Result struct {
	SessionID string

	// Prose holds the text of each new assistant turn, directive removed.
	Prose []string

	// Reports holds one apply report per assistant turn that carried a
	// directive which parsed.
	Reports []*style.Report

	// Errors holds per-turn directive failures. They never abort the turn.
	Errors []error

	// Ops are the rendering operations to replay on the client.
	Ops []style.Op
}

// Controller runs turns for many sessions. Turns of one session are
// serialised; different sessions proceed in parallel.
type Controller struct {
	collab   assistant.Collaborator
	policy   *policy.Policy
	applier  *style.Applier
	sessions *Registry
	config   Config
	logger   *zap.Logger
}

// New creates a Controller.
func New(collab assistant.Collaborator, pol *policy.Policy, sessions *Registry, config Config, logger *zap.Logger) *Controller {
	return &Controller{
		collab:   collab,
		policy:   pol,
		applier:  style.NewApplier(logger),
		sessions: sessions,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

// Introduction returns the fixed greeting.
func (c *Controller) Introduction() string {
	return Greeting
}

// Session returns a live session.
func (c *Controller) Session(id string) (*Session, bool) {
	return c.sessions.Get(id)
}

// Submit runs one user turn for sessionID. A returned error means the turn
// was aborted (busy session, assistant failure or timeout); directive
// problems are reported in Result.Errors instead.
func (c *Controller) Submit(ctx context.Context, sessionID, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	sess := c.sessions.GetOrCreate(sessionID)
	if !sess.turn.TryLock() {
		return nil, ErrSessionBusy
	}
	defer sess.turn.Unlock()
	defer c.transition(sess, PhaseIdle)

	sess.touch(c.sessions.now())
	log := c.logger.With(zap.String("session_id", sessionID))

	c.transition(sess, PhaseSending)
	threadID, err := c.ensureThread(ctx, sess)
	if err != nil {
		return nil, err
	}

	userTurn, err := c.collab.CreateMessage(ctx, threadID, text)
	if err != nil {
		return nil, &CollaboratorError{Op: "createMessage", Err: err}
	}

	run, err := c.collab.CreateRun(ctx, threadID)
	if err != nil {
		return nil, &CollaboratorError{Op: "createRun", Err: err}
	}

	c.transition(sess, PhaseAwaitingCompletion)
	if err := c.await(ctx, threadID, run.ID); err != nil {
		if errors.Is(err, ErrRunTimeout) || errors.Is(err, context.Canceled) {
			sess.mu.Lock()
			if sess.pending == nil {
				sess.pending = &userTurn
			}
			sess.mu.Unlock()
		}
		log.Warn("assistant run did not complete", zap.String("run_id", run.ID), zap.Error(err))
		return nil, err
	}

	c.transition(sess, PhaseDraining)
	sess.mu.Lock()
	since := userTurn
	if sess.pending != nil {
		since = *sess.pending
	}
	sess.mu.Unlock()

	turns, err := c.collab.ListMessagesSince(ctx, threadID, since.CreatedAt)
	if err != nil {
		return nil, &CollaboratorError{Op: "listMessages", Err: err}
	}

	sess.mu.Lock()
	sess.pending = nil
	sess.mu.Unlock()

	result := &Result{SessionID: sessionID}
	recorder := style.NewRecorder()
	for _, t := range newAssistantTurns(turns, since) {
		prose, report, err := c.process(log, sess, recorder, t)
		if prose != "" {
			result.Prose = append(result.Prose, prose)
		}
		if report != nil {
			result.Reports = append(result.Reports, report)
		}
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
	result.Ops = recorder.Ops()

	log.Info("turn complete",
		zap.Int("assistant_turns", len(result.Prose)),
		zap.Int("reports", len(result.Reports)),
		zap.Int("errors", len(result.Errors)),
	)

	return result, nil
}

// Reset restores the session's style baseline. With fresh set it also drops
// the conversation so the next turn starts a new thread. The returned ops
// bring the client back to the baseline.
func (c *Controller) Reset(ctx context.Context, sessionID string, fresh bool) ([]style.Op, error) {
	sess := c.sessions.GetOrCreate(sessionID)
	if !sess.turn.TryLock() {
		return nil, ErrSessionBusy
	}
	defer sess.turn.Unlock()

	sess.touch(c.sessions.now())

	recorder := style.NewRecorder()
	if err := c.applier.Reset(sess.Style(), recorder); err != nil {
		return nil, fmt.Errorf("reset style: %w", err)
	}

	if fresh {
		sess.mu.Lock()
		threadID := sess.threadID
		sess.threadID = ""
		sess.pending = nil
		sess.mu.Unlock()

		if threadID != "" {
			if err := c.collab.DeleteThread(ctx, threadID); err != nil && !errors.Is(err, assistant.ErrUnknownThread) {
				return recorder.Ops(), &CollaboratorError{Op: "deleteThread", Err: err}
			}
		}
	}

	c.logger.Info("session reset", zap.String("session_id", sessionID), zap.Bool("fresh", fresh))
	return recorder.Ops(), nil
}

// Sweep drops sessions idle for longer than ttl along with their threads,
// and returns how many were dropped.
func (c *Controller) Sweep(ctx context.Context, ttl time.Duration) int {
	expired := c.sessions.expire(ttl)
	for _, sess := range expired {
		threadID := sess.ThreadID()
		if threadID == "" {
			continue
		}
		if err := c.collab.DeleteThread(ctx, threadID); err != nil && !errors.Is(err, assistant.ErrUnknownThread) {
			c.logger.Warn("failed to delete expired thread",
				zap.String("session_id", sess.ID),
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
		}
	}
	if len(expired) > 0 {
		c.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (c *Controller) ensureThread(ctx context.Context, sess *Session) (string, error) {
	sess.mu.Lock()
	threadID := sess.threadID
	sess.mu.Unlock()
	if threadID != "" {
		return threadID, nil
	}

	threadID, err := c.collab.CreateThread(ctx)
	if err != nil {
		return "", &CollaboratorError{Op: "createThread", Err: err}
	}

	sess.mu.Lock()
	sess.threadID = threadID
	sess.mu.Unlock()
	return threadID, nil
}

// await polls the run with exponential backoff until it finishes, fails,
// or the wait is cut short by the timeout or the caller.
func (c *Controller) await(ctx context.Context, threadID, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RunTimeout)
	defer cancel()

	interval := c.config.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		run, err := c.collab.PollRun(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return waitError(ctx)
			}
			return &CollaboratorError{Op: "pollRun", Err: err}
		}

		switch run.Status {
		case assistant.RunCompleted:
			return nil
		case assistant.RunFailed:
			reason := run.LastError
			if reason == "" {
				reason = "run failed"
			}
			return &CollaboratorError{Op: "run", Err: errors.New(reason)}
		}

		select {
		case <-ctx.Done():
			return waitError(ctx)
		case <-timer.C:
		}

		interval = min(interval*2, c.config.MaxPollInterval)
		timer.Reset(interval)
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &CollaboratorError{Op: "pollRun", Err: ErrRunTimeout}
	}
	return &CollaboratorError{Op: "pollRun", Err: ctx.Err()}
}

// newAssistantTurns returns the assistant turns that follow since, in thread
// order.
func newAssistantTurns(turns []llm.ConversationTurn, since llm.ConversationTurn) []llm.ConversationTurn {
	ordered := append([]llm.ConversationTurn(nil), turns...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})

	var out []llm.ConversationTurn
	for _, t := range ordered {
		if t.Role != llm.RoleAssistant || t.ID == since.ID || !since.Before(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// process runs one assistant turn through extract, parse, validate and apply.
func (c *Controller) process(log *zap.Logger, sess *Session, r style.Renderer, t llm.ConversationTurn) (string, *style.Report, error) {
	ext := directive.Extract(t.RawText)
	if !ext.Found {
		return ext.Prose, nil, nil
	}

	requests, err := directive.Parse(ext.Payload)
	if err != nil {
		var perr *directive.ParseError
		if errors.As(err, &perr) {
			log.Warn("dropping unparseable directive",
				zap.String("turn_id", t.ID),
				zap.String("reason", perr.Reason),
				zap.String("payload_preview", logger.Preview(perr.Payload, 200)),
			)
		}
		return ext.Prose, nil, &DirectiveError{TurnID: t.ID, Err: err}
	}

	res := c.policy.Validate(requests)
	for _, v := range res.Rejected {
		log.Debug("policy rejected change",
			zap.String("turn_id", t.ID),
			zap.String("selector", v.Request.Selector),
			zap.String("property", v.Property),
			zap.String("reason", v.Reason),
		)
	}

	report := c.applier.Apply(sess.Style(), r, res.Accepted)
	report.AddRejections(res.Rejected)

	switch {
	case len(res.Accepted) == 0 && len(res.Rejected) > 0:
		err = &DirectiveError{TurnID: t.ID, Err: errNothingPermitted}
	case len(report.Errors) > 0:
		errs := make([]error, len(report.Errors))
		for i, e := range report.Errors {
			errs[i] = e
		}
		err = &DirectiveError{TurnID: t.ID, Err: errors.Join(errs...)}
	}

	log.Debug("directive applied",
		zap.String("turn_id", t.ID),
		zap.Int("requests", len(requests)),
		zap.Int("applied", report.AppliedCount()),
		zap.Int("rejected", report.RejectedCount()),
	)

	return ext.Prose, report, err
}

func (c *Controller) transition(sess *Session, p Phase) {
	sess.setPhase(p)
	c.logger.Debug("turn phase", zap.String("session_id", sess.ID), zap.Stringer("phase", p))
}
