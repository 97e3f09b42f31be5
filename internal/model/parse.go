package model

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/openpocket/openpocket/internal/action"
)

const phoneActionToolName = "phone_action"

// invalidOutputReason is the canonical wait reason for unparseable output.
// Degrading to a wait step instead of failing is deliberate: one garbled
// reply should not kill the task.
const invalidOutputReason = "model output was not valid"

func phoneActionTool() Tool {
	params := json.RawMessage(`{
  "type": "object",
  "properties": {
    "type": {
      "type": "string",
      "enum": ["tap", "swipe", "type", "keyevent", "launch_app", "shell", "run_script", "request_human_auth", "wait", "finish"]
    },
    "x": {"type": "integer"},
    "y": {"type": "integer"},
    "x1": {"type": "integer"},
    "y1": {"type": "integer"},
    "x2": {"type": "integer"},
    "y2": {"type": "integer"},
    "durationMs": {"type": "integer"},
    "text": {"type": "string"},
    "keycode": {"type": "string"},
    "packageName": {"type": "string"},
    "command": {"type": "string"},
    "script": {"type": "string"},
    "timeoutSec": {"type": "integer"},
    "capability": {"type": "string"},
    "instruction": {"type": "string"},
    "message": {"type": "string"},
    "thought": {"type": "string"}
  },
  "required": ["type"]
}`)
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        phoneActionToolName,
			Description: "Perform exactly one UI action on the Android device.",
			Parameters:  params,
		},
	}
}

// decisionFromToolArgs builds a Decision from structured tool arguments,
// repairing near-JSON when needed.
func decisionFromToolArgs(content, arguments string) Decision {
	fields, ok := decodeLoose(arguments)
	if !ok {
		return Decision{
			Thought: strings.TrimSpace(content),
			Action:  action.Wait(1000, invalidOutputReason),
			Raw:     arguments,
		}
	}
	thought := strings.TrimSpace(content)
	if t, ok := fields["thought"].(string); ok && thought == "" {
		thought = strings.TrimSpace(t)
	}
	return Decision{Thought: thought, Action: action.Normalize(fields), Raw: arguments}
}

// decisionFromText extracts the first JSON object from free text.
func decisionFromText(text string) Decision {
	obj := firstJSONObject(text)
	if obj == "" {
		return Decision{
			Thought: strings.TrimSpace(text),
			Action:  action.Wait(1000, invalidOutputReason),
			Raw:     text,
		}
	}
	fields, ok := decodeLoose(obj)
	if !ok {
		return Decision{
			Thought: strings.TrimSpace(text),
			Action:  action.Wait(1000, invalidOutputReason),
			Raw:     text,
		}
	}
	thought := strings.TrimSpace(strings.Replace(text, obj, "", 1))
	if t, ok := fields["thought"].(string); ok && t != "" {
		thought = strings.TrimSpace(t)
	}
	return Decision{Thought: thought, Action: action.Normalize(fields), Raw: text}
}

// decodeLoose parses JSON, falling back to jsonrepair for near-JSON such as
// trailing commas or single quotes.
func decodeLoose(s string) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(s), &fields); err == nil {
		return fields, true
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(fixed), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// firstJSONObject scans for the first balanced {...} span, skipping string
// literals. Returns "" when none is found.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
