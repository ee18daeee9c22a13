package proxy

import (
	"bytes"
	"encoding/json"
)

// sanitizedFields are provider-internal fields stripped from responses when
// sanitization is enabled on the dispatched provider.
var sanitizedFields = []string{"system_fingerprint"}

// sanitizeJSON removes sanitized fields from a JSON object body. Bodies that
// do not parse are returned unchanged.
func sanitizeJSON(body []byte) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	changed := false
	for _, field := range sanitizedFields {
		if _, ok := doc[field]; ok {
			delete(doc, field)
			changed = true
		}
	}
	if !changed {
		return body
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// sanitizeSSELine applies the sanitizer to the payload of a "data: " line,
// leaving other SSE framing untouched. The trailing newline is preserved.
func sanitizeSSELine(line []byte) []byte {
	trimmed := bytes.TrimRight(line, "\r\n")
	payload, ok := bytes.CutPrefix(trimmed, []byte("data: "))
	if !ok {
		return line
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return line
	}
	sanitized := sanitizeJSON(payload)
	if bytes.Equal(sanitized, payload) {
		return line
	}
	out := make([]byte, 0, len(sanitized)+8)
	out = append(out, []byte("data: ")...)
	out = append(out, sanitized...)
	out = append(out, line[len(trimmed):]...)
	return out
}
