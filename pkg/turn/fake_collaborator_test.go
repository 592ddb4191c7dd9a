package turn_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quietloudlab/designmewithme/pkg/assistant"
	"github.com/quietloudlab/designmewithme/pkg/llm"
)

// fakeCollaborator is a scripted assistant.Collaborator. Each run takes the
// next queued reply; while hold is set runs stay in progress until finish is
// called.
type fakeCollaborator struct {
	mu      sync.Mutex
	clock   time.Time
	nextID  int
	threads map[string][]llm.ConversationTurn
	runs    map[string]*assistant.Run
	active  map[string]string

	replies []string
	hold    bool
	failRun string
	err     map[string]error
	deleted []string
}

var _ assistant.Collaborator = (*fakeCollaborator)(nil)

func newFakeCollaborator(replies ...string) *fakeCollaborator {
	return &fakeCollaborator{
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		threads: make(map[string][]llm.ConversationTurn),
		runs:    make(map[string]*assistant.Run),
		active:  make(map[string]string),
		replies: replies,
		err:     make(map[string]error),
	}
}

func (f *fakeCollaborator) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeCollaborator) appendTurn(threadID string, role llm.Role, text string) llm.ConversationTurn {
	f.clock = f.clock.Add(time.Second)
	t := llm.ConversationTurn{
		ID:        f.id("turn"),
		Role:      role,
		RawText:   text,
		CreatedAt: f.clock,
		Seq:       int64(len(f.threads[threadID])),
	}
	f.threads[threadID] = append(f.threads[threadID], t)
	return t
}

func (f *fakeCollaborator) CreateThread(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err["createThread"]; err != nil {
		return "", err
	}
	id := f.id("thread")
	f.threads[id] = nil
	return id, nil
}

func (f *fakeCollaborator) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		return assistant.ErrUnknownThread
	}
	delete(f.threads, threadID)
	f.deleted = append(f.deleted, threadID)
	return nil
}

func (f *fakeCollaborator) CreateMessage(_ context.Context, threadID, text string) (llm.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		return llm.ConversationTurn{}, assistant.ErrUnknownThread
	}
	if f.active[threadID] != "" {
		return llm.ConversationTurn{}, assistant.ErrRunActive
	}
	return f.appendTurn(threadID, llm.RoleUser, text), nil
}

func (f *fakeCollaborator) CreateRun(_ context.Context, threadID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err["createRun"]; err != nil {
		return assistant.Run{}, err
	}

	run := &assistant.Run{ID: f.id("run"), ThreadID: threadID, Status: assistant.RunInProgress, CreatedAt: f.clock}
	f.runs[run.ID] = run

	switch {
	case f.failRun != "":
		run.Status = assistant.RunFailed
		run.LastError = f.failRun
	case f.hold:
		f.active[threadID] = run.ID
	default:
		f.complete(threadID, run)
	}
	return *run, nil
}

func (f *fakeCollaborator) complete(threadID string, run *assistant.Run) {
	reply := "OK."
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	f.appendTurn(threadID, llm.RoleAssistant, reply)
	run.Status = assistant.RunCompleted
	delete(f.active, threadID)
}

// finish completes the held run on threadID.
func (f *fakeCollaborator) finish(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = false
	if runID := f.active[threadID]; runID != "" {
		f.complete(threadID, f.runs[runID])
	}
}

func (f *fakeCollaborator) PollRun(_ context.Context, _, runID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err["pollRun"]; err != nil {
		return assistant.Run{}, err
	}
	run, ok := f.runs[runID]
	if !ok {
		return assistant.Run{}, assistant.ErrUnknownRun
	}
	return *run, nil
}

func (f *fakeCollaborator) ListMessagesSince(_ context.Context, threadID string, since time.Time) ([]llm.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llm.ConversationTurn
	for _, t := range f.threads[threadID] {
		if !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeCollaborator) threadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}

func (f *fakeCollaborator) deletedThreads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
