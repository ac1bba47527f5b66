// Package parse turns raw LLM responses into detection results.
//
// Parsing never fails with an error value: a response that cannot be read is
// reported through Result.Failure so the batch that produced it can keep going.
// The parser does no I/O and holds no mutable state, so the same input always
// yields the same Result.
package parse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/TobiSchelling/ipvscreen/internal/jsonrepair"
	"github.com/TobiSchelling/ipvscreen/internal/llm"
)

// Stage names the fallback step that produced the structured data.
type Stage string

const (
	StageNone      Stage = ""
	StageStrict    Stage = "strict"
	StageExtracted Stage = "extracted"
	StageRepaired  Stage = "repaired"
	StageRegex     Stage = "regex"
)

// ErrorKind classifies a parse failure.
type ErrorKind string

const (
	KindNullResponse  ErrorKind = "null_response"
	KindProviderError ErrorKind = "provider_error"
	KindNoContent     ErrorKind = "no_content"
	KindUnparseable   ErrorKind = "unparseable"
	KindEmptyInput    ErrorKind = "empty_input"
)

// Failure is the error branch of a Result.
type Failure struct {
	Kind    ErrorKind
	Message string
}

// Result is the outcome of parsing one response. Exactly one of the two
// branches is meaningful: when Failure is nil the detection fields hold what
// the model said; otherwise they are all empty.
type Result struct {
	NarrativeID string
	Failure     *Failure

	Detected   *bool
	Confidence *float64
	Indicators []string
	Rationale  string

	RawResponse string
	Stage       Stage
	Warnings    []string
	Metadata    map[string]string

	Model            string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// ParseError reports whether the response could not be parsed.
func (r Result) ParseError() bool { return r.Failure != nil }

// ErrorMessage returns the failure message, or "" on success.
func (r Result) ErrorMessage() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Message
}

// Options tunes coercion.
type Options struct {
	// MaxRationaleLength truncates the rationale to this many runes. Zero
	// leaves it untouched.
	MaxRationaleLength int
}

// Parser parses responses with fixed Options.
type Parser struct {
	opts Options
}

// New creates a Parser.
func New(opts Options) *Parser {
	return &Parser{opts: opts}
}

var (
	fenceRe = regexp.MustCompile("```[A-Za-z0-9_-]*")
	thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

	specialTokens = []string{
		"<|im_start|>assistant", "<|im_start|>", "<|im_end|>",
		"<|eot_id|>", "<|end_of_text|>", "<|begin_of_text|>",
		"<|start_header_id|>assistant<|end_header_id|>",
		"<|start_header_id|>", "<|end_header_id|>",
		"<|endoftext|>", "<|assistant|>", "<|end|>",
		"<s>", "</s>", "[INST]", "[/INST]",
	}
	tokenReplacer = newTokenReplacer()
)

func newTokenReplacer() *strings.Replacer {
	pairs := make([]string, 0, len(specialTokens)*2)
	for _, t := range specialTokens {
		pairs = append(pairs, t, "")
	}
	return strings.NewReplacer(pairs...)
}

// Parse converts resp into a Result for the given narrative. metadata is
// copied onto the result.
func (p *Parser) Parse(resp *llm.Response, narrativeID string, metadata map[string]string) Result {
	r := Result{
		NarrativeID: narrativeID,
		Indicators:  []string{},
		Metadata:    copyMetadata(metadata),
	}

	if resp == nil {
		return r.fail(KindNullResponse, "Response is NULL")
	}
	r.Model = resp.Model
	if resp.Usage != nil {
		r.PromptTokens = intPtr(resp.Usage.PromptTokens)
		r.CompletionTokens = intPtr(resp.Usage.CompletionTokens)
		r.TotalTokens = intPtr(resp.Usage.TotalTokens)
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "provider returned an error"
		}
		if resp.Error.Code != "" {
			msg = fmt.Sprintf("API error (%s): %s", resp.Error.Code, msg)
		} else {
			msg = "API error: " + msg
		}
		return r.fail(KindProviderError, msg)
	}

	content, ok := resp.Content()
	if !ok || strings.TrimSpace(content) == "" {
		return r.fail(KindNoContent, "No content in response")
	}
	r.RawResponse = content

	fields, stage, reason := p.decode(content)
	if stage == StageNone {
		return r.fail(KindUnparseable, "Failed to parse response: "+reason)
	}
	r.Stage = stage
	p.coerce(&r, fields)
	return r
}

// Failed builds a failure result for a narrative that never produced a
// response, such as one with no text to send.
func Failed(narrativeID string, kind ErrorKind, msg string, metadata map[string]string) Result {
	r := Result{NarrativeID: narrativeID, Metadata: copyMetadata(metadata)}
	return r.fail(kind, msg)
}

func (r Result) fail(kind ErrorKind, msg string) Result {
	r.Failure = &Failure{Kind: kind, Message: msg}
	r.Detected = nil
	r.Confidence = nil
	r.Indicators = []string{}
	r.Rationale = ""
	r.Stage = StageNone
	return r
}

// decode runs the fallback chain and returns the first field map recovered.
func (p *Parser) decode(content string) (map[string]any, Stage, string) {
	cleaned := Clean(content)
	if cleaned == "" {
		return nil, StageNone, "response is empty after cleaning"
	}

	if m, ok := decodeObject(cleaned); ok {
		return m, StageStrict, ""
	}

	candidate, complete := extractCandidate(cleaned)
	if candidate != "" {
		if complete {
			if m, ok := decodeObject(candidate); ok {
				return m, StageExtracted, ""
			}
		}
		if m, ok := decodeObject(jsonrepair.Repair(candidate)); ok {
			return m, StageRepaired, ""
		}
	}

	if m := extractFields(cleaned); m["detected"] != nil || m["confidence"] != nil {
		return m, StageRegex, ""
	}

	if candidate == "" {
		return nil, StageNone, "no JSON object found in response"
	}
	return nil, StageNone, "JSON could not be repaired"
}

// Clean strips markdown code fences, reasoning blocks and chat-template
// delimiter tokens.
func Clean(content string) string {
	s := thinkRe.ReplaceAllString(content, "")
	s = tokenReplacer.Replace(s)
	s = fenceRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// extractCandidate returns the substring from the first '{' or '[' to its
// matching closer. complete is false when the value is truncated, in which
// case the candidate runs to the end of the text.
func extractCandidate(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	end, ok := jsonrepair.MatchingClose(s, start)
	if !ok {
		return s[start:], false
	}
	return s[start : end+1], true
}

// decodeObject strictly parses s. An array is accepted when its first element
// is an object, since some models wrap the answer in a list.
func decodeObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

var (
	detectedRe   = regexp.MustCompile(`(?i)"(?:detected|ipv_detected)"\s*:\s*"?(true|false|yes|no)"?`)
	confidenceRe = regexp.MustCompile(`(?i)"confidence"\s*:\s*"?(-?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)"?`)
	rationaleRe  = regexp.MustCompile(`(?is)"(?:rationale|reasoning)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	indicatorsRe = regexp.MustCompile(`(?is)"indicators"\s*:\s*\[([^\]]*)\]`)
	quotedRe     = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

// extractFields pulls individual fields out of text that is not valid JSON.
// Only values literally present are returned.
func extractFields(s string) map[string]any {
	m := make(map[string]any)
	if mt := detectedRe.FindStringSubmatch(s); mt != nil {
		m["detected"] = strings.ToLower(mt[1])
	}
	if mt := confidenceRe.FindStringSubmatch(s); mt != nil {
		m["confidence"] = mt[1]
	}
	if mt := rationaleRe.FindStringSubmatch(s); mt != nil {
		m["rationale"] = unescape(mt[1])
	}
	if mt := indicatorsRe.FindStringSubmatch(s); mt != nil {
		var items []any
		for _, q := range quotedRe.FindAllStringSubmatch(mt[1], -1) {
			items = append(items, unescape(q[1]))
		}
		m["indicators"] = items
	}
	return m
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intPtr(n int) *int { return &n }
