package assistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/llm"
	"github.com/quietloudlab/designmewithme/pkg/logger"
	"github.com/quietloudlab/designmewithme/pkg/merkle"
)

// DefaultRunTimeout bounds a single generation when Config leaves it unset.
const DefaultRunTimeout = 2 * time.Minute

// Config configures a Threads backend.
type Config struct {
	// Instructions is sent as the system message of every run.
	Instructions string

	// RunTimeout bounds one call to the generator.
	RunTimeout time.Duration
}

// Threads is an in-process Collaborator. Runs execute on their own
// goroutines against a Generator, and every turn is recorded as a node in
// the Storer, chained to the previous turn of its thread.
type Threads struct {
	gen    Generator
	store  merkle.Storer
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	threads map[string]*thread
	wg      sync.WaitGroup
}

type thread struct {
	mu        sync.Mutex
	id        string
	turns     []llm.ConversationTurn
	head      *merkle.Node
	runs      map[string]*Run
	activeRun string
	deleted   bool
}

var _ Collaborator = (*Threads)(nil)

// NewThreads creates a Threads backend.
func NewThreads(gen Generator, store merkle.Storer, config Config, logger *zap.Logger) *Threads {
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	return &Threads{
		gen:     gen,
		store:   store,
		config:  config,
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*thread),
	}
}

func (t *Threads) CreateThread(_ context.Context) (string, error) {
	th := &thread{id: uuid.NewString(), runs: make(map[string]*Run)}

	t.mu.Lock()
	t.threads[th.id] = th
	t.mu.Unlock()

	t.logger.Debug("thread created", zap.String("thread_id", th.id))
	return th.id, nil
}

func (t *Threads) DeleteThread(_ context.Context, threadID string) error {
	t.mu.Lock()
	th, ok := t.threads[threadID]
	delete(t.threads, threadID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("delete thread %s: %w", threadID, ErrUnknownThread)
	}

	th.mu.Lock()
	th.deleted = true
	th.mu.Unlock()

	t.logger.Debug("thread deleted", zap.String("thread_id", threadID))
	return nil
}

func (t *Threads) CreateMessage(ctx context.Context, threadID, text string) (llm.ConversationTurn, error) {
	th, err := t.thread(threadID)
	if err != nil {
		return llm.ConversationTurn{}, err
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	if th.activeRun != "" {
		return llm.ConversationTurn{}, fmt.Errorf("create message on %s: %w", threadID, ErrRunActive)
	}

	return t.appendTurn(ctx, th, llm.RoleUser, text)
}

// appendTurn must be called with th.mu held.
func (t *Threads) appendTurn(ctx context.Context, th *thread, role llm.Role, text string) (llm.ConversationTurn, error) {
	turn := llm.ConversationTurn{
		ID:        uuid.NewString(),
		Role:      role,
		RawText:   text,
		CreatedAt: t.now(),
		Seq:       int64(len(th.turns)),
	}
	if n := len(th.turns); n > 0 && turn.CreatedAt.Before(th.turns[n-1].CreatedAt) {
		// wall clock stepped back, keep the thread ordered
		turn.CreatedAt = th.turns[n-1].CreatedAt
	}

	node := merkle.NewNode(merkle.BucketFromTurn(turn), th.head)
	if err := t.store.Put(ctx, node); err != nil {
		return llm.ConversationTurn{}, fmt.Errorf("storing %s turn: %w", role, err)
	}

	th.head = node
	th.turns = append(th.turns, turn)
	return turn, nil
}

func (t *Threads) CreateRun(_ context.Context, threadID string) (Run, error) {
	th, err := t.thread(threadID)
	if err != nil {
		return Run{}, err
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	if th.activeRun != "" {
		return Run{}, fmt.Errorf("create run on %s: %w", threadID, ErrRunActive)
	}

	run := &Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Status:    RunQueued,
		CreatedAt: t.now(),
	}
	th.runs[run.ID] = run
	th.activeRun = run.ID

	messages := make([]llm.Message, 0, len(th.turns)+1)
	if t.config.Instructions != "" {
		messages = append(messages, llm.Message{Role: string(llm.RoleSystem), Content: t.config.Instructions})
	}
	for _, turn := range th.turns {
		messages = append(messages, llm.MessageFromTurn(turn))
	}

	t.wg.Add(1)
	go t.execute(th, run.ID, messages)

	return *run, nil
}

func (t *Threads) execute(th *thread, runID string, messages []llm.Message) {
	defer t.wg.Done()

	th.mu.Lock()
	th.runs[runID].Status = RunInProgress
	th.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.RunTimeout)
	defer cancel()

	start := t.now()
	text, genErr := t.gen.Generate(ctx, messages)

	th.mu.Lock()
	defer th.mu.Unlock()

	run := th.runs[runID]
	th.activeRun = ""

	switch {
	case genErr != nil:
		run.Status = RunFailed
		run.LastError = genErr.Error()
		t.logger.Error("run failed",
			zap.String("thread_id", th.id),
			zap.String("run_id", runID),
			zap.Error(genErr),
		)
		return
	case th.deleted:
		run.Status = RunFailed
		run.LastError = "thread deleted"
		return
	}

	if _, err := t.appendTurn(ctx, th, llm.RoleAssistant, text); err != nil {
		run.Status = RunFailed
		run.LastError = err.Error()
		t.logger.Error("failed to store reply", zap.String("thread_id", th.id), zap.Error(err))
		return
	}

	run.Status = RunCompleted
	t.logger.Debug("run completed",
		zap.String("thread_id", th.id),
		zap.String("run_id", runID),
		zap.String("content_preview", logger.Preview(text, 80)),
		zap.Duration("duration", t.now().Sub(start)),
	)
}

func (t *Threads) PollRun(_ context.Context, threadID, runID string) (Run, error) {
	th, err := t.thread(threadID)
	if err != nil {
		return Run{}, err
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	run, ok := th.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("poll run %s: %w", runID, ErrUnknownRun)
	}
	return *run, nil
}

func (t *Threads) ListMessagesSince(_ context.Context, threadID string, since time.Time) ([]llm.ConversationTurn, error) {
	th, err := t.thread(threadID)
	if err != nil {
		return nil, err
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	out := make([]llm.ConversationTurn, 0, len(th.turns))
	for _, turn := range th.turns {
		if !turn.CreatedAt.Before(since) {
			out = append(out, turn)
		}
	}
	return out, nil
}

// History rebuilds a thread, oldest turn first, from the node store.
func (t *Threads) History(ctx context.Context, threadID string) ([]llm.ConversationTurn, error) {
	th, err := t.thread(threadID)
	if err != nil {
		return nil, err
	}

	th.mu.Lock()
	head := th.head
	th.mu.Unlock()

	if head == nil {
		return []llm.ConversationTurn{}, nil
	}

	ancestry, err := t.store.Ancestry(ctx, head.Hash)
	if err != nil {
		return nil, fmt.Errorf("thread %s ancestry: %w", threadID, err)
	}

	turns := make([]llm.ConversationTurn, len(ancestry))
	for i, node := range ancestry {
		turns[len(ancestry)-1-i] = node.Bucket.Turn()
	}
	return turns, nil
}

// Wait blocks until every in-flight run has finished or ctx is done.
func (t *Threads) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Threads) thread(id string) (*thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	th, ok := t.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrUnknownThread)
	}
	return th, nil
}
