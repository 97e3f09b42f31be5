// Package action defines the tagged UI action variant and its single
// canonical normalization function. Every external boundary that produces an
// action (model output, persisted scripts) goes through Normalize.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type enumerates the action variants.
type Type string

const (
	TypeTap              Type = "tap"
	TypeSwipe            Type = "swipe"
	TypeText             Type = "type"
	TypeKeyevent         Type = "keyevent"
	TypeLaunchApp        Type = "launch_app"
	TypeShell            Type = "shell"
	TypeRunScript        Type = "run_script"
	TypeRequestHumanAuth Type = "request_human_auth"
	TypeWait             Type = "wait"
	TypeFinish           Type = "finish"
)

// Action is the normalized tagged variant. Fields not applicable to the
// variant are zero.
type Action struct {
	Type Type `json:"type"`

	X  int `json:"x,omitempty"`
	Y  int `json:"y,omitempty"`
	X2 int `json:"x2,omitempty"`
	Y2 int `json:"y2,omitempty"`

	DurationMs int `json:"durationMs,omitempty"`

	Text        string `json:"text,omitempty"`
	Keycode     string `json:"keycode,omitempty"`
	PackageName string `json:"packageName,omitempty"`
	Command     string `json:"command,omitempty"`

	Script     string `json:"script,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`

	Capability  string `json:"capability,omitempty"`
	Instruction string `json:"instruction,omitempty"`

	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// JSON renders the action as a compact JSON object for session logs.
func (a Action) JSON() string {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf(`{"type":%q}`, a.Type)
	}
	return string(b)
}

// Positional reports whether the action carries screen coordinates that need
// rescaling before adb dispatch.
func (a Action) Positional() bool {
	return a.Type == TypeTap || a.Type == TypeSwipe
}

// Normalize maps an untyped decoded JSON object onto a canonical Action,
// applying the specified default for every missing or invalid field. An
// unknown or absent type degrades to wait(1000).
func Normalize(fields map[string]any) Action {
	t := Type(strings.TrimSpace(strings.ToLower(str(fields, "type"))))
	switch t {
	case TypeTap:
		return Action{Type: TypeTap, X: num(fields, 0, "x"), Y: num(fields, 0, "y")}
	case TypeSwipe:
		return Action{
			Type:       TypeSwipe,
			X:          num(fields, 0, "x1", "x"),
			Y:          num(fields, 0, "y1", "y"),
			X2:         num(fields, 0, "x2"),
			Y2:         num(fields, 0, "y2"),
			DurationMs: numDefault(fields, 300, "durationMs", "duration_ms", "duration"),
		}
	case TypeText:
		return Action{Type: TypeText, Text: str(fields, "text")}
	case TypeKeyevent:
		code := str(fields, "keycode", "key", "code")
		if code == "" {
			code = "KEYCODE_ENTER"
		}
		return Action{Type: TypeKeyevent, Keycode: code}
	case TypeLaunchApp:
		return Action{Type: TypeLaunchApp, PackageName: str(fields, "packageName", "package_name", "package")}
	case TypeShell:
		return Action{Type: TypeShell, Command: str(fields, "command", "cmd")}
	case TypeRunScript:
		return Action{
			Type:       TypeRunScript,
			Script:     str(fields, "script"),
			TimeoutSec: numDefault(fields, 60, "timeoutSec", "timeout_sec", "timeout"),
		}
	case TypeRequestHumanAuth:
		cap := str(fields, "capability")
		if cap == "" {
			cap = "unknown"
		}
		instr := str(fields, "instruction", "reason")
		if instr == "" {
			instr = "The agent needs your approval to continue."
		}
		return Action{
			Type:        TypeRequestHumanAuth,
			Capability:  cap,
			Instruction: instr,
			TimeoutSec:  numDefault(fields, 300, "timeoutSec", "timeout_sec", "timeout"),
		}
	case TypeWait:
		return Action{Type: TypeWait, DurationMs: numDefault(fields, 1000, "durationMs", "duration_ms", "duration"), Reason: str(fields, "reason")}
	case TypeFinish:
		msg := str(fields, "message", "text")
		if msg == "" {
			msg = "Task finished."
		}
		return Action{Type: TypeFinish, Message: msg}
	default:
		return Action{Type: TypeWait, DurationMs: 1000, Reason: fmt.Sprintf("unknown action type %q", t)}
	}
}

// Wait builds the canonical degraded wait action used on recoverable errors.
func Wait(durationMs int, reason string) Action {
	if durationMs <= 0 {
		durationMs = 1000
	}
	return Action{Type: TypeWait, DurationMs: durationMs, Reason: reason}
}

func str(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func num(fields map[string]any, def int, keys ...string) int {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return int(f)
			}
		case string:
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(n), "%f", &f); err == nil {
				return int(f)
			}
		}
	}
	return def
}

func numDefault(fields map[string]any, def int, keys ...string) int {
	v := num(fields, def, keys...)
	if v <= 0 {
		return def
	}
	return v
}
