// Package style holds a session's live style state and applies validated
// change requests to it and to the rendering layer.
package style

import (
	"sort"
	"strings"
	"sync"
)

// Declaration is one applied property on a selector.
type Declaration struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// Snapshot is a detached copy of style state, selector → property → value.
type Snapshot map[string]map[string]string

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for sel, props := range s {
		cp := make(map[string]string, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out[sel] = cp
	}
	return out
}

type rule struct {
	selector string
	decls    []Declaration
}

// State is the live mapping from selector to applied declarations. Selectors
// and properties keep the order in which they were first set. Only the
// Applier mutates it; readers may call its accessors concurrently.
type State struct {
	mu       sync.RWMutex
	rules    []*rule
	index    map[string]*rule
	baseline Snapshot
}

// NewState creates a state seeded with baseline. Reset returns to it.
func NewState(baseline Snapshot) *State {
	s := &State{baseline: baseline.Clone()}
	s.load(s.baseline)
	return s
}

func (s *State) load(snap Snapshot) {
	s.rules = nil
	s.index = make(map[string]*rule)

	selectors := make([]string, 0, len(snap))
	for sel := range snap {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	for _, sel := range selectors {
		props := make([]string, 0, len(snap[sel]))
		for p := range snap[sel] {
			props = append(props, p)
		}
		sort.Strings(props)
		for _, p := range props {
			s.upsert(sel, p, snap[sel][p])
		}
	}
}

// upsert must be called with mu held for writing, or during construction.
func (s *State) upsert(selector, property, value string) {
	r, ok := s.index[selector]
	if !ok {
		r = &rule{selector: selector}
		s.index[selector] = r
		s.rules = append(s.rules, r)
	}
	for i := range r.decls {
		if r.decls[i].Property == property {
			r.decls[i].Value = value
			return
		}
	}
	r.decls = append(r.decls, Declaration{Property: property, Value: value})
}

func (s *State) set(selector, property, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(selector, property, value)
}

func (s *State) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(s.baseline)
}

// Get returns the applied value for selector and property.
func (s *State) Get(selector, property string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.index[selector]
	if !ok {
		return "", false
	}
	for _, d := range r.decls {
		if d.Property == property {
			return d.Value, true
		}
	}
	return "", false
}

// Declarations returns the applied declarations for selector, in order.
func (s *State) Declarations(selector string) []Declaration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.index[selector]
	if !ok {
		return nil
	}
	return append([]Declaration(nil), r.decls...)
}

// Snapshot returns a detached copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Snapshot, len(s.rules))
	for _, r := range s.rules {
		props := make(map[string]string, len(r.decls))
		for _, d := range r.decls {
			props[d.Property] = d.Value
		}
		out[r.selector] = props
	}
	return out
}

// Baseline returns a copy of the snapshot the state resets to.
func (s *State) Baseline() Snapshot {
	return s.baseline.Clone()
}

// CSS renders the state as a stylesheet.
func (s *State) CSS() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	for _, r := range s.rules {
		if len(r.decls) == 0 {
			continue
		}
		b.WriteString(r.selector)
		b.WriteString(" {\n")
		for _, d := range r.decls {
			b.WriteString("  ")
			b.WriteString(d.Property)
			b.WriteString(": ")
			b.WriteString(d.Value)
			b.WriteString(";\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}
