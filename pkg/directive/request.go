package directive

// Action is the kind of mutation a change request asks for.
type Action string

// ActionChangeCSS upserts inline style properties on a selector.
const ActionChangeCSS Action = "changeCSS"

// Property is a single style declaration.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Properties keeps declarations in the order the generator wrote them.
// Names are unique.
type Properties []Property

// Get returns the value for name.
func (p Properties) Get(name string) (string, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

// Names returns the property names in order.
func (p Properties) Names() []string {
	names := make([]string, len(p))
	for i, prop := range p {
		names[i] = prop.Name
	}
	return names
}

// set overwrites an existing name in place or appends a new one.
func (p Properties) set(name, value string) Properties {
	for i := range p {
		if p[i].Name == name {
			p[i].Value = value
			return p
		}
	}
	return append(p, Property{Name: name, Value: value})
}

// ChangeRequest is one parsed, not yet validated style mutation.
type ChangeRequest struct {
	Action     Action     `json:"action"`
	Selector   string     `json:"selector"`
	Properties Properties `json:"properties"`
}
