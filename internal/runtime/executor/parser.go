package executor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FindMatchingBrace returns the index of the brace closing the one at
// startPos, honoring quoted strings and backslash escapes, or -1 when the
// text at startPos is not an opening brace or the object is incomplete.
func FindMatchingBrace(text string, startPos int) int {
	if startPos >= len(text) || text[startPos] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i := startPos; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ToolCall is an assembled upstream tool invocation in OpenAI shape.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func newToolCallID() string {
	return "call_" + uuid.NewString()
}

// EventKind classifies a parsed stream event.
type EventKind int

const (
	EventContent EventKind = iota
	EventUsage
	EventContextUsage
)

// Event is one downstream-relevant occurrence in the upstream stream.
type Event struct {
	Kind    EventKind
	Content string
	Value   float64
}

// eventPattern maps a JSON key prefix in the decoded stream to the handler
// that consumes the enclosing object.
type eventPattern struct {
	prefix string
	kind   string
}

// Patterns are matched against the decoded text, not the binary framing:
// the event-stream envelope is skipped over and the embedded JSON objects
// are cut out with the brace matcher.
var eventPatterns = []eventPattern{
	{`{"content":`, "content"},
	{`{"name":`, "tool_start"},
	{`{"input":`, "tool_input"},
	{`{"stop":`, "tool_stop"},
	{`{"followupPrompt":`, "followup"},
	{`{"usage":`, "usage"},
	{`{"contextUsagePercentage":`, "context_usage"},
}

// EventStreamParser incrementally extracts assistant events from the
// CodeWhisperer response stream. Feed it raw chunks; it buffers partial
// JSON across chunk boundaries, suppresses verbatim content repeats, and
// assembles multi-event tool calls.
type EventStreamParser struct {
	buffer      string
	lastContent *string
	current     *ToolCall
	toolCalls   []ToolCall
}

// NewEventStreamParser returns an empty parser.
func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{}
}

// Feed appends a chunk and returns the events completed by it.
func (p *EventStreamParser) Feed(chunk []byte) []Event {
	p.buffer += string(chunk)

	var events []Event
	for {
		earliestPos := -1
		earliestKind := ""
		for _, pat := range eventPatterns {
			pos := strings.Index(p.buffer, pat.prefix)
			if pos != -1 && (earliestPos == -1 || pos < earliestPos) {
				earliestPos = pos
				earliestKind = pat.kind
			}
		}
		if earliestPos == -1 {
			break
		}
		end := FindMatchingBrace(p.buffer, earliestPos)
		if end == -1 {
			// Incomplete object; wait for more data.
			break
		}
		jsonStr := p.buffer[earliestPos : end+1]
		p.buffer = p.buffer[end+1:]

		var data map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			log.Warnf("could not parse stream event: %s", truncate(jsonStr, 100))
			continue
		}
		if ev, ok := p.processEvent(data, earliestKind); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (p *EventStreamParser) processEvent(data map[string]any, kind string) (Event, bool) {
	switch kind {
	case "content":
		return p.processContent(data)
	case "tool_start":
		p.processToolStart(data)
	case "tool_input":
		p.processToolInput(data)
	case "tool_stop":
		p.processToolStop(data)
	case "usage":
		return Event{Kind: EventUsage, Value: asFloat(data["usage"])}, true
	case "context_usage":
		return Event{Kind: EventContextUsage, Value: asFloat(data["contextUsagePercentage"])}, true
	}
	return Event{}, false
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// processContent emits a content delta unless it is a followup prompt or a
// verbatim repeat of the previous delta.
func (p *EventStreamParser) processContent(data map[string]any) (Event, bool) {
	if followup, ok := data["followupPrompt"]; ok && followup != nil {
		return Event{}, false
	}
	content := asString(data["content"])
	if p.lastContent != nil && content == *p.lastContent {
		return Event{}, false
	}
	p.lastContent = &content
	return Event{Kind: EventContent, Content: content}, true
}

// processToolStart opens a tool call, finalizing any one still open. The
// start event may itself carry the full input and a stop marker.
func (p *EventStreamParser) processToolStart(data map[string]any) {
	if p.current != nil {
		p.finalizeToolCall()
	}
	tc := &ToolCall{Type: "function"}
	tc.ID = asString(data["toolUseId"])
	if tc.ID == "" {
		tc.ID = newToolCallID()
	}
	tc.Function.Name = asString(data["name"])
	tc.Function.Arguments = asString(data["input"])
	p.current = tc
	if stop, _ := data["stop"].(bool); stop {
		p.finalizeToolCall()
	}
}

func (p *EventStreamParser) processToolInput(data map[string]any) {
	if p.current != nil {
		p.current.Function.Arguments += asString(data["input"])
	}
}

func (p *EventStreamParser) processToolStop(data map[string]any) {
	if stop, _ := data["stop"].(bool); stop && p.current != nil {
		p.finalizeToolCall()
	}
}

// finalizeToolCall normalizes accumulated arguments to canonical JSON when
// they parse, and appends the call.
func (p *EventStreamParser) finalizeToolCall() {
	if p.current == nil {
		return
	}
	args := p.current.Function.Arguments
	var parsed any
	if err := json.Unmarshal([]byte(args), &parsed); err == nil {
		if normalized, err := json.Marshal(parsed); err == nil {
			p.current.Function.Arguments = string(normalized)
		}
	}
	p.toolCalls = append(p.toolCalls, *p.current)
	p.current = nil
}

// ToolCalls finalizes any open call and returns the deduplicated list.
func (p *EventStreamParser) ToolCalls() []ToolCall {
	if p.current != nil {
		p.finalizeToolCall()
	}
	return DeduplicateToolCalls(p.toolCalls)
}

// Reset clears all parser state.
func (p *EventStreamParser) Reset() {
	p.buffer = ""
	p.lastContent = nil
	p.current = nil
	p.toolCalls = nil
}

var bracketCallPattern = regexp.MustCompile(`(?i)\[Called\s+(\w+)\s+with\s+args:\s*`)

// ParseBracketToolCalls extracts tool calls some models emit as text in the
// form "[Called name with args: {...}]".
func ParseBracketToolCalls(text string) []ToolCall {
	if text == "" || !containsCalled(text) {
		return nil
	}
	var calls []ToolCall
	for _, match := range bracketCallPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[match[2]:match[3]]
		jsonStart := indexOfFrom(text, '{', match[1])
		if jsonStart == -1 {
			continue
		}
		jsonEnd := FindMatchingBrace(text, jsonStart)
		if jsonEnd == -1 {
			continue
		}
		raw := text[jsonStart : jsonEnd+1]
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Warnf("could not parse tool call arguments: %s", truncate(raw, 100))
			continue
		}
		normalized, err := json.Marshal(parsed)
		if err != nil {
			continue
		}
		tc := ToolCall{ID: newToolCallID(), Type: "function"}
		tc.Function.Name = name
		tc.Function.Arguments = string(normalized)
		calls = append(calls, tc)
	}
	return calls
}

func containsCalled(text string) bool {
	return strings.Contains(text, "[Called")
}

func indexOfFrom(s string, ch byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == ch {
			return i
		}
	}
	return -1
}

// DeduplicateToolCalls drops calls repeating an earlier (name, arguments)
// pair, keeping first occurrences in order.
func DeduplicateToolCalls(calls []ToolCall) []ToolCall {
	seen := make(map[string]bool, len(calls))
	var unique []ToolCall
	for _, tc := range calls {
		key := tc.Function.Name + "-" + tc.Function.Arguments
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, tc)
	}
	return unique
}
