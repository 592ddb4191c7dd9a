package policy

import (
	"fmt"
	"strings"

	"github.com/quietloudlab/designmewithme/pkg/directive"
)

// Rejection reasons.
const (
	ReasonSelectorNotPermitted = "selector not permitted"
	ReasonActionNotSupported   = "action not supported"
	ReasonPropertyNotPermitted = "property not permitted"
	ReasonValueNotPermitted    = "value not permitted"
	ReasonNoProperties         = "no permitted properties"
)

// Violation records a change request, or one of its properties, that the
// policy refused. Property is empty when the whole request was dropped.
type Violation struct {
	Request  directive.ChangeRequest
	Property string
	Reason   string
}

func (v *Violation) Error() string {
	if v.Property == "" {
		return fmt.Sprintf("policy violation on %q: %s", v.Request.Selector, v.Reason)
	}
	return fmt.Sprintf("policy violation on %q property %q: %s", v.Request.Selector, v.Property, v.Reason)
}

// Result is the outcome of validating a batch of change requests.
type Result struct {
	// Accepted holds the surviving requests, in their original order, with
	// normalised selectors and property names and disallowed properties removed.
	Accepted []directive.ChangeRequest

	// Rejected holds one entry per dropped request or stripped property.
	Rejected []*Violation
}

// Validate filters requests against the policy. It never fails: everything
// not permitted ends up in Result.Rejected.
func (p *Policy) Validate(requests []directive.ChangeRequest) Result {
	var res Result

	for _, req := range requests {
		reject := func(property, reason string) {
			res.Rejected = append(res.Rejected, &Violation{Request: req, Property: property, Reason: reason})
		}

		if req.Action != directive.ActionChangeCSS {
			reject("", ReasonActionNotSupported)
			continue
		}

		sel := NormalizeSelector(req.Selector)
		rule, ok := p.rule(sel)
		if !ok {
			reject("", ReasonSelectorNotPermitted)
			continue
		}

		if len(req.Properties) == 0 {
			reject("", ReasonNoProperties)
			continue
		}

		kept := make(directive.Properties, 0, len(req.Properties))
		for _, prop := range req.Properties {
			name := normalizeProperty(prop.Name)
			if !rule.allows(name) && !p.global.allows(name) {
				reject(prop.Name, ReasonPropertyNotPermitted)
				continue
			}
			if !p.AllowsValue(prop.Value) {
				reject(prop.Name, ReasonValueNotPermitted)
				continue
			}
			kept = upsert(kept, name, strings.TrimSpace(prop.Value))
		}

		if len(kept) == 0 {
			continue
		}

		res.Accepted = append(res.Accepted, directive.ChangeRequest{
			Action:     req.Action,
			Selector:   sel,
			Properties: kept,
		})
	}

	return res
}

// AllowsValue reports whether value may be written into a stylesheet: it
// must fit the length limit, hold no control characters and carry none of
// the forbidden fragments.
func (p *Policy) AllowsValue(value string) bool {
	if len(value) > p.maxValueLength {
		return false
	}
	lower := strings.ToLower(value)
	for _, frag := range forbiddenFragments {
		if strings.Contains(lower, frag) {
			return false
		}
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// upsert keeps names unique after normalisation folded two spellings together.
func upsert(props directive.Properties, name, value string) directive.Properties {
	for i := range props {
		if props[i].Name == name {
			props[i].Value = value
			return props
		}
	}
	return append(props, directive.Property{Name: name, Value: value})
}
