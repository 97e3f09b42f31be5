package adb

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Type sends text to the focused input field. ASCII goes through
// `input text` with spaces encoded as %s; anything else (or an input-text
// failure) falls back to setting the clipboard and sending the paste
// keyevent. The text is never interpreted by a shell.
func (c *Client) Type(ctx context.Context, deviceID, text string) (string, error) {
	if text == "" {
		return "Typed empty text", nil
	}
	if isASCIIPrintable(text) {
		encoded := strings.ReplaceAll(text, " ", "%s")
		if _, err := c.deviceCommand(ctx, deviceID, "shell", "input", "text", encoded); err == nil {
			return fmt.Sprintf("Typed text length=%d", utf8.RuneCountInString(text)), nil
		}
		// Fall through to the clipboard path on failure.
	}
	return c.typeViaClipboard(ctx, deviceID, text)
}

func (c *Client) typeViaClipboard(ctx context.Context, deviceID, text string) (string, error) {
	if _, err := c.deviceCommand(ctx, deviceID, "shell", "cmd", "clipboard", "set-text", text); err != nil {
		return "", err
	}
	if err := c.Keyevent(ctx, deviceID, "KEYCODE_PASTE"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed text via clipboard paste length=%d", utf8.RuneCountInString(text)), nil
}

func isASCIIPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
