// Package policy holds the allowlist that bounds what the assistant may
// restyle, and validates parsed change requests against it.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultPolicy string

// DefaultMaxValueLength is used when a policy file does not set one.
const DefaultMaxValueLength = 200

// forbiddenFragments are value substrings that could escape a declaration or
// pull in remote or executable content.
var forbiddenFragments = []string{
	"url(",
	"expression(",
	"javascript:",
	"@import",
	"<",
	">",
	"{",
	"}",
	";",
	`\`,
}

// File is the on-disk TOML shape of a policy.
type File struct {
	MaxValueLength   int            `toml:"max_value_length"`
	GlobalProperties []string       `toml:"global_properties"`
	Selectors        []SelectorRule `toml:"selector"`
}

// SelectorRule permits one selector, given either literally or as a regular
// expression matched against the whole normalised selector.
type SelectorRule struct {
	Selector   string   `toml:"selector"`
	Pattern    string   `toml:"pattern"`
	Properties []string `toml:"properties"`
}

// Policy is the immutable allowlist. It is safe for concurrent use.
type Policy struct {
	exact          map[string]propertySet
	exactOrder     []string
	patterns       []patternRule
	global         propertySet
	maxValueLength int
}

type patternRule struct {
	src   string
	re    *regexp.Regexp
	props propertySet
}

// propertySet matches names exactly or by "family-*" prefix.
type propertySet struct {
	names    map[string]struct{}
	families []string
}

func newPropertySet(entries []string) (propertySet, error) {
	set := propertySet{names: make(map[string]struct{})}
	for _, e := range entries {
		e = normalizeProperty(e)
		if e == "" {
			return propertySet{}, fmt.Errorf("empty property entry")
		}
		if family, ok := strings.CutSuffix(e, "-*"); ok {
			set.families = append(set.families, family)
			continue
		}
		set.names[e] = struct{}{}
	}
	return set, nil
}

func (s propertySet) allows(name string) bool {
	if _, ok := s.names[name]; ok {
		return true
	}
	for _, f := range s.families {
		if name == f || strings.HasPrefix(name, f+"-") {
			return true
		}
	}
	return false
}

func (s propertySet) entries() []string {
	out := make([]string, 0, len(s.names)+len(s.families))
	for n := range s.names {
		out = append(out, n)
	}
	for _, f := range s.families {
		out = append(out, f+"-*")
	}
	sort.Strings(out)
	return out
}

// New compiles a policy from its file form.
func New(f File) (*Policy, error) {
	global, err := newPropertySet(f.GlobalProperties)
	if err != nil {
		return nil, fmt.Errorf("global_properties: %w", err)
	}

	p := &Policy{
		exact:          make(map[string]propertySet),
		global:         global,
		maxValueLength: f.MaxValueLength,
	}
	if p.maxValueLength <= 0 {
		p.maxValueLength = DefaultMaxValueLength
	}

	for i, rule := range f.Selectors {
		props, err := newPropertySet(rule.Properties)
		if err != nil {
			return nil, fmt.Errorf("selector %d: %w", i, err)
		}

		switch {
		case rule.Selector != "" && rule.Pattern != "":
			return nil, fmt.Errorf("selector %d: set selector or pattern, not both", i)
		case rule.Selector != "":
			sel := NormalizeSelector(rule.Selector)
			if _, dup := p.exact[sel]; dup {
				return nil, fmt.Errorf("selector %d: %q listed twice", i, sel)
			}
			p.exact[sel] = props
			p.exactOrder = append(p.exactOrder, sel)
		case rule.Pattern != "":
			re, err := regexp.Compile("^(?:" + rule.Pattern + ")$")
			if err != nil {
				return nil, fmt.Errorf("selector %d: invalid pattern: %w", i, err)
			}
			p.patterns = append(p.patterns, patternRule{src: rule.Pattern, re: re, props: props})
		default:
			return nil, fmt.Errorf("selector %d: selector or pattern is required", i)
		}
	}

	return p, nil
}

// Parse decodes a TOML policy document.
func Parse(doc string) (*Policy, error) {
	var f File
	md, err := toml.Decode(doc, &f)
	if err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode policy: unknown keys %v", undecoded)
	}
	return New(f)
}

// Load reads a TOML policy file from disk.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Default returns the built-in chat widget policy.
func Default() *Policy {
	p, err := Parse(defaultPolicy)
	if err != nil {
		panic("embedded default policy is invalid: " + err.Error())
	}
	return p
}

// AllowsSelector reports whether sel (after normalisation) may be restyled.
func (p *Policy) AllowsSelector(sel string) bool {
	_, ok := p.rule(NormalizeSelector(sel))
	return ok
}

// Allows reports whether property may be set on sel.
func (p *Policy) Allows(sel, property string) bool {
	props, ok := p.rule(NormalizeSelector(sel))
	if !ok {
		return false
	}
	name := normalizeProperty(property)
	return props.allows(name) || p.global.allows(name)
}

func (p *Policy) rule(sel string) (propertySet, bool) {
	if props, ok := p.exact[sel]; ok {
		return props, true
	}
	for _, pr := range p.patterns {
		if pr.re.MatchString(sel) {
			return pr.props, true
		}
	}
	return propertySet{}, false
}

// Selectors returns the literal selectors in file order. Pattern rules are
// not included.
func (p *Policy) Selectors() []string {
	return append([]string(nil), p.exactOrder...)
}

// Describe renders the allowlist as plain text for the assistant's instructions.
func (p *Policy) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Properties allowed on every selector: %s\n", strings.Join(p.global.entries(), ", "))
	for _, sel := range p.exactOrder {
		writeRule(&b, sel, p.exact[sel])
	}
	for _, pr := range p.patterns {
		writeRule(&b, "selectors matching /"+pr.src+"/", pr.props)
	}
	return b.String()
}

func writeRule(b *strings.Builder, name string, props propertySet) {
	extra := props.entries()
	if len(extra) == 0 {
		fmt.Fprintf(b, "- %s\n", name)
		return
	}
	fmt.Fprintf(b, "- %s (also: %s)\n", name, strings.Join(extra, ", "))
}

// NormalizeSelector trims a selector and collapses internal whitespace.
func NormalizeSelector(sel string) string {
	return strings.Join(strings.Fields(sel), " ")
}

func normalizeProperty(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
