// Package serializer turns forwarded request/response pairs into analytics
// rows and credit deductions: it classifies OpenAI-style payloads, extracts
// token usage, normalizes provider names, and drives the post-response
// accounting path.
package serializer

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Pricing headers stamped by the dispatcher from the current tariff and read
// back here when computing usage cost.
const (
	InputTokenPriceHeader  = "X-Onwards-Input-Token-Price"
	OutputTokenPriceHeader = "X-Onwards-Output-Token-Price"
)

// RequestData captures the inbound request for accounting.
type RequestData struct {
	Method        string
	URI           string
	Headers       http.Header
	Body          []byte
	Timestamp     time.Time
	CorrelationID int64
}

// ResponseData captures the upstream exchange outcome.
type ResponseData struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
	TTFB     time.Duration
}

// SerializationError wraps a parse failure together with base64-encoded
// fallback data safe for persistence.
type SerializationError struct {
	FallbackData string
	Err          error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func fallbackError(raw []byte, err error) *SerializationError {
	return &SerializationError{
		FallbackData: "base64:" + base64.StdEncoding.EncodeToString(raw),
		Err:          err,
	}
}

// RequestKind classifies a parsed AI request.
type RequestKind string

const (
	RequestChatCompletions RequestKind = "chat_completions"
	RequestCompletions     RequestKind = "completions"
	RequestEmbeddings      RequestKind = "embeddings"
	RequestOther           RequestKind = "other"
)

// AiRequest is the shape-tagged parse of a request body.
type AiRequest struct {
	Kind   RequestKind
	Model  string
	Stream bool
	Raw    json.RawMessage
}

// ResponseKind classifies a parsed AI response.
type ResponseKind string

const (
	ResponseChatCompletion       ResponseKind = "chat_completion"
	ResponseChatCompletionStream ResponseKind = "chat_completion_stream"
	ResponseCompletion           ResponseKind = "completion"
	ResponseEmbeddings           ResponseKind = "embeddings"
	ResponseBase64Embeddings     ResponseKind = "base64_embeddings"
	ResponseOther                ResponseKind = "other"
)

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// StreamChunk is one parsed SSE payload.
type StreamChunk struct {
	Model string `json:"model"`
	Usage *Usage `json:"usage"`
}

// AiResponse is the shape-tagged parse of a response body.
type AiResponse struct {
	Kind   ResponseKind
	Model  string
	Usage  *Usage
	Chunks []StreamChunk
	Raw    json.RawMessage
}

// ParseAiRequest parses request body bytes into a structured AI request.
// Missing or empty bodies yield Other(null); unparsable bodies return a
// SerializationError carrying the base64 fallback.
func ParseAiRequest(rd *RequestData) (AiRequest, error) {
	if len(rd.Body) == 0 || strings.TrimSpace(string(rd.Body)) == "" {
		return AiRequest{Kind: RequestOther}, nil
	}

	var probe struct {
		Model    string          `json:"model"`
		Stream   *bool           `json:"stream"`
		Messages json.RawMessage `json:"messages"`
		Prompt   json.RawMessage `json:"prompt"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(rd.Body, &probe); err != nil {
		return AiRequest{}, fallbackError(rd.Body, err)
	}

	req := AiRequest{Kind: RequestOther, Raw: json.RawMessage(rd.Body)}
	if probe.Stream != nil {
		req.Stream = *probe.Stream
	}
	switch {
	case probe.Model != "" && probe.Messages != nil:
		req.Kind = RequestChatCompletions
		req.Model = probe.Model
	case probe.Model != "" && probe.Prompt != nil:
		req.Kind = RequestCompletions
		req.Model = probe.Model
	case probe.Model != "" && probe.Input != nil:
		req.Kind = RequestEmbeddings
		req.Model = probe.Model
		req.Stream = false
	}
	return req, nil
}

// ParseAiResponse parses response body bytes, decompressing per
// Content-Encoding and choosing SSE or JSON parsing based on the request's
// stream flag.
func ParseAiResponse(rd *RequestData, resp *ResponseData) (AiResponse, error) {
	if len(resp.Body) == 0 {
		return AiResponse{Kind: ResponseOther}, nil
	}

	body, err := decompressIfNeeded(resp.Body, resp.Headers)
	if err != nil {
		return AiResponse{}, fallbackError(resp.Body, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return AiResponse{Kind: ResponseOther}, nil
	}

	req, _ := ParseAiRequest(rd)
	streaming := req.Stream && (req.Kind == RequestChatCompletions || req.Kind == RequestCompletions)

	var parsed AiResponse
	if streaming {
		parsed, err = parseStreamingResponse(body)
	} else {
		parsed, err = parseNonStreamingResponse(body)
	}
	if err != nil {
		return AiResponse{}, fallbackError(body, err)
	}
	return parsed, nil
}

// decompressIfNeeded inflates gzip and brotli response bodies.
func decompressIfNeeded(body []byte, headers http.Header) ([]byte, error) {
	switch strings.ToLower(headers.Get("Content-Encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli decompress: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}

// parseStreamingResponse splits an SSE stream on blank lines, strips the
// "data: " prefix, skips the [DONE] marker, and parses each payload as a
// chunk, preserving order.
func parseStreamingResponse(body []byte) (AiResponse, error) {
	var chunks []StreamChunk
	for _, event := range strings.Split(string(body), "\n\n") {
		for _, line := range strings.Split(event, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			payload, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				payload, ok = strings.CutPrefix(line, "data:")
				if !ok {
					continue
				}
			}
			payload = strings.TrimSpace(payload)
			if payload == "" || payload == "[DONE]" {
				continue
			}
			var chunk StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				return AiResponse{}, fmt.Errorf("parse SSE chunk: %w", err)
			}
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return AiResponse{}, fmt.Errorf("no SSE data chunks found")
	}
	return AiResponse{Kind: ResponseChatCompletionStream, Chunks: chunks}, nil
}

// parseNonStreamingResponse classifies a JSON body as chat/completion/
// embedding/base64-embedding/other by its required fields.
func parseNonStreamingResponse(body []byte) (AiResponse, error) {
	var probe struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Usage   *Usage `json:"usage"`
		Choices []struct {
			Message json.RawMessage `json:"message"`
			Text    *string         `json:"text"`
		} `json:"choices"`
		Data []struct {
			Object    string          `json:"object"`
			Embedding json.RawMessage `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return AiResponse{}, err
	}

	resp := AiResponse{Kind: ResponseOther, Model: probe.Model, Usage: probe.Usage, Raw: json.RawMessage(body)}
	switch {
	case probe.Object == "chat.completion" || (len(probe.Choices) > 0 && probe.Choices[0].Message != nil):
		resp.Kind = ResponseChatCompletion
	case probe.Object == "text_completion" || (len(probe.Choices) > 0 && probe.Choices[0].Text != nil):
		resp.Kind = ResponseCompletion
	case probe.Object == "list" && len(probe.Data) > 0 && probe.Data[0].Object == "embedding":
		resp.Kind = ResponseEmbeddings
		if isBase64Embedding(probe.Data[0].Embedding) {
			resp.Kind = ResponseBase64Embeddings
		}
	}
	return resp, nil
}

// isBase64Embedding reports whether the embedding field is a JSON string
// (base64 encoding) rather than a float array.
func isBase64Embedding(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}
