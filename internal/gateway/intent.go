package gateway

import (
	"strings"
)

// imperativeVerbs are common task-opening verbs. A leading match strongly
// suggests the user wants the phone driven rather than a chat reply.
var imperativeVerbs = map[string]struct{}{
	"open": {}, "go": {}, "tap": {}, "click": {}, "type": {}, "search": {},
	"find": {}, "install": {}, "uninstall": {}, "send": {}, "reply": {},
	"read": {}, "check": {}, "scroll": {}, "swipe": {}, "launch": {},
	"start": {}, "stop": {}, "play": {}, "pause": {}, "order": {}, "book": {},
	"buy": {}, "add": {}, "remove": {}, "delete": {}, "create": {}, "set": {},
	"turn": {}, "enable": {}, "disable": {}, "take": {}, "post": {}, "call": {},
	"message": {}, "text": {}, "navigate": {}, "download": {}, "upload": {},
	"login": {}, "log": {}, "sign": {}, "fill": {}, "submit": {}, "share": {},
}

// chatOpeners mark small talk and questions about the agent itself.
var chatOpeners = []string{
	"hi", "hello", "hey", "thanks", "thank you", "what is", "what's",
	"who are", "how are", "why", "can you", "could you explain", "tell me about",
}

// classifyIntent decides whether free text is a device task or plain chat.
// Heuristics only: leading imperative verb, length, and ending punctuation.
func classifyIntent(text string) string {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	if trimmed == "" {
		return "chat"
	}

	for _, opener := range chatOpeners {
		if lower == opener || strings.HasPrefix(lower, opener+" ") || strings.HasPrefix(lower, opener+",") {
			return "chat"
		}
	}

	words := strings.Fields(lower)
	if _, ok := imperativeVerbs[strings.Trim(words[0], ".,!?")]; ok {
		return "task"
	}

	// Questions read as chat unless they open with an imperative.
	if strings.HasSuffix(trimmed, "?") {
		return "chat"
	}

	// Longer multi-clause text is usually an instruction.
	if len(words) >= 4 {
		return "task"
	}
	return "chat"
}
