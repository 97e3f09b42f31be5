package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// historyWindow bounds the step history embedded in the user message.
const historyWindow = 8

// ScreenMeta is the metadata JSON describing the current snapshot.
type ScreenMeta struct {
	CurrentApp   string `json:"currentApp,omitempty"`
	WidthScaled  int    `json:"widthScaled"`
	HeightScaled int    `json:"heightScaled"`
	WidthDevice  int    `json:"widthDevice"`
	HeightDevice int    `json:"heightDevice"`
}

// PlanRequest bundles everything a single planning call needs.
type PlanRequest struct {
	SystemPrompt string
	Task         string
	StepIndex    int
	MaxSteps     int
	Screen       ScreenMeta
	History      []string
	PNG          []byte
}

func (pr PlanRequest) userText() string {
	meta, _ := json.Marshal(pr.Screen)
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", pr.Task)
	fmt.Fprintf(&b, "Step: %d of %d\n", pr.StepIndex, pr.MaxSteps)
	fmt.Fprintf(&b, "Screen: %s\n", meta)
	if history := pr.recentHistory(); len(history) > 0 {
		b.WriteString("History:\n")
		for _, line := range history {
			b.WriteString("  " + line + "\n")
		}
	}
	b.WriteString("Look at the attached screenshot and respond with exactly one action.")
	return b.String()
}

func (pr PlanRequest) recentHistory() []string {
	if len(pr.History) <= historyWindow {
		return pr.History
	}
	return pr.History[len(pr.History)-historyWindow:]
}

// chatMessages builds the system+user message pair with the screenshot as a
// data-URL image part.
func (pr PlanRequest) chatMessages() []Message {
	parts := []ContentPart{{Type: "text", Text: pr.userText()}}
	if len(pr.PNG) > 0 {
		parts = append(parts, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pr.PNG),
			},
		})
	}
	return []Message{
		TextMessage(RoleSystem, pr.SystemPrompt),
		MultimodalMessage(RoleUser, parts),
	}
}

// flatPrompt renders a text-only prompt for the legacy completions fallback.
func (pr PlanRequest) flatPrompt() string {
	return pr.SystemPrompt + "\n\n" + pr.userText() + "\nRespond with a single JSON action object."
}
