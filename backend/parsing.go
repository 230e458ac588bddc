package backend

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// parseLine converts one stream-json line into zero or more Events.
// Pure function; invalid or unrecognized lines produce nothing.
//
// Assistant text content is skipped: with --include-partial-messages it
// duplicates text already delivered via content_block_delta events.
func parseLine(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
		return nil
	}

	root := gjson.Parse(line)

	switch root.Get("type").Str {
	case "system":
		if root.Get("subtype").Str == "init" {
			return []Event{{
				Type:      EventSessionInit,
				SessionID: root.Get("session_id").Str,
				Model:     root.Get("model").Str,
			}}
		}

	case "stream_event":
		return parseStreamEvent(root.Get("event"))

	case "assistant":
		var events []Event
		root.Get("message.content").ForEach(func(_, content gjson.Result) bool {
			if content.Get("type").Str == "tool_use" {
				events = append(events, Event{
					Type:      EventToolUse,
					ToolUseID: content.Get("id").Str,
					ToolName:  content.Get("name").Str,
					ToolInput: json.RawMessage(content.Get("input").Raw),
				})
			}
			return true
		})
		if usage := root.Get("message.usage"); usage.Exists() {
			events = append(events, Event{Type: EventUsage, Usage: parseUsage(usage)})
		}
		return events

	case "user":
		// User messages in stream-json are tool results
		var events []Event
		root.Get("message.content").ForEach(func(_, content gjson.Result) bool {
			toolUseID := content.Get("tool_use_id").Str
			if toolUseID == "" {
				toolUseID = content.Get("toolUseId").Str
			}
			if content.Get("type").Str == "tool_result" || toolUseID != "" {
				events = append(events, Event{
					Type:        EventToolResult,
					ToolUseID:   toolUseID,
					ResultError: content.Get("is_error").Bool(),
				})
			}
			return true
		})
		return events

	case "result":
		subtype := root.Get("subtype").Str
		if root.Get("is_error").Bool() || (subtype != "" && subtype != "success") {
			msg := root.Get("result").Str
			if msg == "" {
				msg = root.Get("error").Str
			}
			if msg == "" && len(root.Get("errors").Array()) > 0 {
				msg = root.Get("errors").Array()[0].Str
			}
			if msg == "" {
				msg = "backend reported " + subtype
			}
			return []Event{{
				Type:      EventError,
				SessionID: root.Get("session_id").Str,
				Err:       msg,
			}}
		}
		return []Event{{
			Type:       EventTurnDone,
			SessionID:  root.Get("session_id").Str,
			DurationMs: int(root.Get("duration_ms").Int()),
			CostUSD:    root.Get("total_cost_usd").Float(),
		}}
	}

	return nil
}

// parseStreamEvent extracts events from the incremental stream_event
// payloads produced by --include-partial-messages.
func parseStreamEvent(event gjson.Result) []Event {
	switch event.Get("type").Str {
	case "message_start":
		if usage := event.Get("message.usage"); usage.Exists() {
			return []Event{{Type: EventUsage, Usage: parseUsage(usage)}}
		}

	case "content_block_delta":
		if event.Get("delta.type").Str == "text_delta" {
			if text := event.Get("delta.text").Str; text != "" {
				return []Event{{Type: EventText, Text: text}}
			}
		}

	case "message_delta":
		if usage := event.Get("usage"); usage.Exists() {
			return []Event{{Type: EventUsage, Usage: parseUsage(usage)}}
		}
	}

	return nil
}

// parseUsage reads token counts from a usage object.
func parseUsage(usage gjson.Result) *Usage {
	return &Usage{
		InputTokens:         int(usage.Get("input_tokens").Int()),
		OutputTokens:        int(usage.Get("output_tokens").Int()),
		CacheReadTokens:     int(usage.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
}
