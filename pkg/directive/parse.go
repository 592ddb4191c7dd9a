package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxPayloadBytes bounds the payload accepted by Parse.
	MaxPayloadBytes = 64 << 10

	// MaxRecords bounds the number of change requests in one payload.
	MaxRecords = 64

	// MaxPropertiesPerRecord bounds the declarations in one change request.
	MaxPropertiesPerRecord = 64
)

// ParseError reports a payload that could not be turned into change requests.
// The whole payload is rejected; nothing from it is applied.
type ParseError struct {
	// Reason is a human readable description of the problem.
	Reason string

	// Payload is the offending raw payload, kept for logging.
	Payload string

	// Err is the underlying decoder error, if any.
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "invalid directive payload: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid directive payload: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse decodes a directive payload into an ordered list of change requests.
//
// The payload must be a JSON array of records, each with a string "action",
// a string "selector" and an optional "properties" object whose values are
// strings or numbers. Parsing is all-or-nothing: a single malformed record
// rejects the payload. A single enclosing markdown code fence is tolerated.
func Parse(payload string) ([]ChangeRequest, error) {
	fail := func(reason string, err error) ([]ChangeRequest, error) {
		return nil, &ParseError{Reason: reason, Payload: payload, Err: err}
	}

	if len(payload) > MaxPayloadBytes {
		return fail(fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes), nil)
	}

	body := unfence(strings.TrimSpace(payload))
	if body == "" {
		return fail("payload is empty", nil)
	}
	if body[0] != '[' {
		return fail("payload is not a JSON array of records", nil)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var records []json.RawMessage
	if err := dec.Decode(&records); err != nil {
		return fail("malformed JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail("unexpected content after payload", nil)
	}
	if len(records) > MaxRecords {
		return fail(fmt.Sprintf("payload has %d records, limit is %d", len(records), MaxRecords), nil)
	}

	requests := make([]ChangeRequest, 0, len(records))
	for i, raw := range records {
		req, reason, err := parseRecord(raw)
		if reason != "" {
			return fail(fmt.Sprintf("record %d: %s", i, reason), err)
		}
		requests = append(requests, req)
	}

	return requests, nil
}

func parseRecord(raw json.RawMessage) (ChangeRequest, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return ChangeRequest{}, "not an object", nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ChangeRequest{}, "malformed object", err
	}

	action, reason := requiredString(fields, "action")
	if reason != "" {
		return ChangeRequest{}, reason, nil
	}
	selector, reason := requiredString(fields, "selector")
	if reason != "" {
		return ChangeRequest{}, reason, nil
	}

	req := ChangeRequest{Action: Action(action), Selector: selector, Properties: Properties{}}

	propsRaw, ok := fields["properties"]
	if !ok {
		return req, "", nil
	}
	props, reason, err := parseProperties(propsRaw)
	if reason != "" {
		return ChangeRequest{}, reason, err
	}
	req.Properties = props

	return req, "", nil
}

func requiredString(fields map[string]json.RawMessage, key string) (string, string) {
	raw, ok := fields[key]
	if !ok {
		return "", "missing " + key
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", key + " must be a string"
	}
	if strings.TrimSpace(s) == "" {
		return "", key + " is empty"
	}
	return s, ""
}

// parseProperties walks the object token by token so declaration order
// survives decoding.
func parseProperties(raw json.RawMessage) (Properties, string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, "malformed properties", err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, "properties must be an object", nil
	}

	props := Properties{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, "malformed properties", err
		}
		name, _ := keyTok.(string)
		if strings.TrimSpace(name) == "" {
			return nil, "empty property name", nil
		}

		valTok, err := dec.Token()
		if err != nil {
			return nil, "malformed properties", err
		}
		var value string
		switch v := valTok.(type) {
		case string:
			value = v
		case json.Number:
			value = v.String()
		default:
			return nil, fmt.Sprintf("property %q must be a string or number", name), nil
		}

		props = props.set(name, value)
		if len(props) > MaxPropertiesPerRecord {
			return nil, fmt.Sprintf("more than %d properties", MaxPropertiesPerRecord), nil
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, "malformed properties", err
	}

	return props, "", nil
}

// unfence strips one markdown code fence wrapping the whole payload.
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := s[3 : len(s)-3]
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		// drop the info string, e.g. ```json
		if !strings.ContainsAny(inner[:nl], "[{") {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}
