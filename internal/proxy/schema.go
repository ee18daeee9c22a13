package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Known OpenAI-compatible operations accepted in strict mode. Anything else
// is rejected with 400 before authorization.
var strictOperations = []struct {
	method string
	// prefix-matched when the pattern ends with '/'
	path   string
	schema *jsonschema.Schema
}{
	{http.MethodPost, "/v1/chat/completions", mustCompile(chatCompletionsSchema)},
	{http.MethodPost, "/v1/completions", mustCompile(completionsSchema)},
	{http.MethodPost, "/v1/embeddings", mustCompile(embeddingsSchema)},
	{http.MethodGet, "/v1/models", nil},
	{http.MethodPost, "/v1/files", nil},
	{http.MethodPost, "/v1/batches", nil},
	{http.MethodGet, "/v1/batches/", nil},
}

const chatCompletionsSchema = `{
	"type": "object",
	"required": ["model", "messages"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"messages": {"type": "array", "minItems": 1},
		"stream": {"type": "boolean"}
	}
}`

const completionsSchema = `{
	"type": "object",
	"required": ["model", "prompt"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"stream": {"type": "boolean"}
	}
}`

const embeddingsSchema = `{
	"type": "object",
	"required": ["model", "input"],
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"encoding_format": {"type": "string", "enum": ["float", "base64"]}
	}
}`

func mustCompile(raw string) *jsonschema.Schema {
	return jsonschema.MustCompileString("strict.json", raw)
}

// checkStrictMode validates the request against the known operation set.
// It returns a non-empty message when the request must be rejected.
func checkStrictMode(method, path string, body []byte) string {
	for _, op := range strictOperations {
		if op.method != method {
			continue
		}
		matched := op.path == path
		if !matched && strings.HasSuffix(op.path, "/") {
			matched = strings.HasPrefix(path, op.path)
		}
		if !matched {
			continue
		}
		if op.schema == nil {
			return ""
		}
		var doc any
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
			return "request body is not valid JSON"
		}
		if err := op.schema.Validate(doc); err != nil {
			return "request body does not match the " + path + " schema"
		}
		return ""
	}
	return "unknown operation " + method + " " + path + " in strict mode"
}
