// Package analyze classifies canonical requests for routing. The analyzer is
// a pure function of the request: it estimates input tokens, infers the task
// kind from prompt shape and declared parameters, detects required
// capabilities, and flags requests whose answers are time-sensitive so the
// cache can be bypassed.
package analyze

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/tokencount"
)

// TaskKind is the inferred task category used as a routing hint.
type TaskKind string

const (
	TaskShortAnswer    TaskKind = "short-answer"
	TaskConversation   TaskKind = "conversation"
	TaskLongGeneration TaskKind = "long-generation"
	TaskCode           TaskKind = "code"
	TaskAnalysis       TaskKind = "analysis"
	TaskCreative       TaskKind = "creative"
	TaskTranslation    TaskKind = "translation"
	TaskSummarization  TaskKind = "summarization"
)

// Hint is the analyzer output. It is advisory: the router may override.
type Hint struct {
	EstimatedTokens int
	Task            TaskKind
	NeedsVision     bool
	NeedsTools      bool
	NeedsLongCtx    bool
	Sensitive       bool // volatile content, bypass cache
}

// longContextThreshold is the estimated input token count above which a
// long-context model is required.
const longContextThreshold = 8000

// defaultVolatileMarkers flag prompts whose answers change over time.
var defaultVolatileMarkers = []string{"today", "now", "current", "latest", "this week", "right now"}

// isoDatePattern matches explicit dates like 2026-08-24.
var isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

// Analyzer classifies chat requests. Safe for concurrent use.
type Analyzer struct {
	counter         *tokencount.Counter
	volatileMarkers []string
}

// New returns an Analyzer. markers overrides the volatile-marker list when
// non-nil; pass nil for the documented defaults.
func New(markers []string) *Analyzer {
	if markers == nil {
		markers = defaultVolatileMarkers
	}
	return &Analyzer{counter: tokencount.NewCounter(), volatileMarkers: markers}
}

// Analyze produces a routing hint for a chat request.
func (a *Analyzer) Analyze(req *gateway.ChatRequest) Hint {
	h := Hint{
		EstimatedTokens: a.counter.EstimateRequest(req.Model, req.Messages),
		NeedsTools:      len(req.Tools) > 0,
	}
	h.NeedsLongCtx = h.EstimatedTokens > longContextThreshold

	prompt := lastUserText(req.Messages)
	lower := strings.ToLower(prompt)

	h.Task = classify(req, lower, len(req.Messages))
	h.NeedsVision = hasImageContent(req.Messages)
	h.Sensitive = a.volatile(lower)

	return h
}

// classify infers the task kind. Declared parameters win over prompt shape:
// a preset names the intent directly, and high max_tokens signals long
// generation regardless of prompt wording.
func classify(req *gateway.ChatRequest, prompt string, msgCount int) TaskKind {
	switch req.ParameterPreset {
	case "creative":
		return TaskCreative
	case "coding":
		return TaskCode
	case "analytical":
		return TaskAnalysis
	case "translation":
		return TaskTranslation
	case "summarization":
		return TaskSummarization
	case "conversational":
		return TaskConversation
	}

	if req.MaxTokens != nil && *req.MaxTokens >= 2048 {
		return TaskLongGeneration
	}

	switch {
	case containsAny(prompt, "translate", "translation", "in french", "in spanish", "in german", "in japanese"):
		return TaskTranslation
	case containsAny(prompt, "summarize", "summary", "tl;dr", "key points"):
		return TaskSummarization
	case containsAny(prompt, "```", "func ", "def ", "class ", "implement", "refactor", "debug", "stack trace"):
		return TaskCode
	case containsAny(prompt, "analyze", "compare", "evaluate", "pros and cons", "trade-off"):
		return TaskAnalysis
	case containsAny(prompt, "write a story", "poem", "creative", "imagine", "fiction"):
		return TaskCreative
	case msgCount > 4:
		return TaskConversation
	case len(prompt) < 200:
		return TaskShortAnswer
	default:
		return TaskConversation
	}
}

// volatile reports whether the prompt contains time-sensitive markers.
func (a *Analyzer) volatile(prompt string) bool {
	for _, m := range a.volatileMarkers {
		if strings.Contains(prompt, m) {
			return true
		}
	}
	return isoDatePattern.MatchString(prompt)
}

// lastUserText returns the text of the most recent user message. Array
// content (multimodal) is flattened to its text parts.
func lastUserText(messages []gateway.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		raw := messages[i].Content
		parsed := gjson.ParseBytes(raw)
		if parsed.Type == gjson.String {
			return parsed.String()
		}
		if parsed.IsArray() {
			var sb strings.Builder
			parsed.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					sb.WriteString(part.Get("text").String())
					sb.WriteByte(' ')
				}
				return true
			})
			return sb.String()
		}
		return string(raw)
	}
	return ""
}

// hasImageContent reports whether any message carries an image part.
func hasImageContent(messages []gateway.Message) bool {
	for _, m := range messages {
		parsed := gjson.ParseBytes(m.Content)
		if !parsed.IsArray() {
			continue
		}
		found := false
		parsed.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("type").String(); t == "image_url" || t == "image" {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
