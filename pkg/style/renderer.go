package style

import "sync"

// Renderer is the live document the state is mirrored to.
type Renderer interface {
	// SetProperty sets one inline style property on every element matching selector.
	SetProperty(selector, property, value string) error

	// ResetAll clears every property previously set through the renderer.
	ResetAll() error
}

// OpKind names a rendering operation.
type OpKind string

const (
	OpSet   OpKind = "set"
	OpReset OpKind = "reset"
)

// Op is a recorded rendering operation, replayed by the browser client.
type Op struct {
	Kind     OpKind `json:"op"`
	Selector string `json:"selector,omitempty"`
	Property string `json:"property,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Recorder is a Renderer that records operations instead of touching a
// document. The HTTP layer ships the recorded ops to the client.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SetProperty(selector, property, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, Op{Kind: OpSet, Selector: selector, Property: property, Value: value})
	return nil
}

func (r *Recorder) ResetAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, Op{Kind: OpReset})
	return nil
}

// Ops returns the operations recorded so far.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// NopRenderer accepts and discards every operation.
type NopRenderer struct{}

func (NopRenderer) SetProperty(string, string, string) error { return nil }
func (NopRenderer) ResetAll() error                          { return nil }
