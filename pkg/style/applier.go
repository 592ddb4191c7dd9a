package style

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/directive"
	"github.com/quietloudlab/designmewithme/pkg/policy"
)

// ApplyError reports a property the rendering layer refused. Other properties
// of the same batch are still applied.
type ApplyError struct {
	Selector string
	Property string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s { %s }: %v", e.Selector, e.Property, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Entry summarises what happened to one selector during an apply.
type Entry struct {
	Selector string        `json:"selector"`
	Applied  []Declaration `json:"applied"`
	Rejected int           `json:"rejected"`
}

// Report is the outcome of one Apply call.
type Report struct {
	Entries []*Entry      `json:"entries"`
	Errors  []*ApplyError `json:"-"`
}

func (r *Report) entry(selector string) *Entry {
	for _, e := range r.Entries {
		if e.Selector == selector {
			return e
		}
	}
	e := &Entry{Selector: selector, Applied: []Declaration{}}
	r.Entries = append(r.Entries, e)
	return e
}

// AddRejections counts policy rejections against their selectors.
func (r *Report) AddRejections(violations []*policy.Violation) {
	for _, v := range violations {
		r.entry(policy.NormalizeSelector(v.Request.Selector)).Rejected++
	}
}

// AppliedCount is the number of declarations pushed successfully.
func (r *Report) AppliedCount() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Applied)
	}
	return n
}

// RejectedCount is the number of policy rejections folded into the report.
func (r *Report) RejectedCount() int {
	n := 0
	for _, e := range r.Entries {
		n += e.Rejected
	}
	return n
}

// Applier applies validated change requests to a State and a Renderer.
type Applier struct {
	logger *zap.Logger
}

// NewApplier creates an Applier.
func NewApplier(logger *zap.Logger) *Applier {
	return &Applier{logger: logger}
}

// Apply upserts every property of every accepted request, in order. Each
// property is pushed to the renderer first and only recorded in the state
// once the renderer took it, so the state mirrors the rendered document.
// Applying the same requests twice leaves the state unchanged.
func (a *Applier) Apply(state *State, r Renderer, accepted []directive.ChangeRequest) *Report {
	report := &Report{Entries: []*Entry{}}

	for _, req := range accepted {
		entry := report.entry(req.Selector)
		for _, prop := range req.Properties {
			if err := r.SetProperty(req.Selector, prop.Name, prop.Value); err != nil {
				aerr := &ApplyError{Selector: req.Selector, Property: prop.Name, Err: err}
				report.Errors = append(report.Errors, aerr)
				a.logger.Warn("renderer rejected property",
					zap.String("selector", req.Selector),
					zap.String("property", prop.Name),
					zap.Error(err),
				)
				continue
			}

			state.set(req.Selector, prop.Name, prop.Value)
			entry.Applied = appendDecl(entry.Applied, prop.Name, prop.Value)
		}
	}

	a.logger.Debug("applied style changes",
		zap.Int("requests", len(accepted)),
		zap.Int("applied", report.AppliedCount()),
		zap.Int("errors", len(report.Errors)),
	)

	return report
}

// Reset restores the baseline snapshot, clears the renderer and re-pushes
// the baseline declarations.
func (a *Applier) Reset(state *State, r Renderer) error {
	state.reset()

	if err := r.ResetAll(); err != nil {
		return fmt.Errorf("reset renderer: %w", err)
	}

	baseline := state.Baseline()
	selectors := make([]string, 0, len(baseline))
	for sel := range baseline {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	for _, sel := range selectors {
		for _, d := range state.Declarations(sel) {
			if err := r.SetProperty(sel, d.Property, d.Value); err != nil {
				return &ApplyError{Selector: sel, Property: d.Property, Err: err}
			}
		}
	}

	a.logger.Debug("style state reset", zap.Int("baseline_selectors", len(selectors)))
	return nil
}

func appendDecl(decls []Declaration, property, value string) []Declaration {
	for i := range decls {
		if decls[i].Property == property {
			decls[i].Value = value
			return decls
		}
	}
	return append(decls, Declaration{Property: property, Value: value})
}
