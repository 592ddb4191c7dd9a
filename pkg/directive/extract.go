// Package directive implements the consumer side of the UI_CHANGE protocol:
// locating a directive inside assistant text and parsing its payload into
// typed change requests.
package directive

import "strings"

// Marker is the literal token that begins a directive payload.
const Marker = "UI_CHANGE:"

// Extraction is the result of splitting assistant text into prose and payload.
type Extraction struct {
	// Prose is the text meant for the end user. It never contains the marker
	// or anything after it.
	Prose string

	// Payload is everything after the first marker, untrimmed.
	Payload string

	// Found reports whether the marker was present.
	Found bool
}

// Extract splits raw assistant text at the first marker. Without a marker the
// text is returned unchanged as prose. Text following the payload is not
// recovered: by protocol nothing may follow it, so it stays in the payload and
// will fail parsing.
func Extract(raw string) Extraction {
	i := strings.Index(raw, Marker)
	if i < 0 {
		return Extraction{Prose: raw}
	}

	return Extraction{
		Prose:   strings.TrimSpace(raw[:i]),
		Payload: raw[i+len(Marker):],
		Found:   true,
	}
}
