package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/action"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/operr"
)

const maxErrorBody = 2000

// Client plans one action at a time against an OpenAI-compatible endpoint.
type Client struct {
	profile config.ModelProfile
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for a resolved profile and secret.
func New(profile config.ModelProfile, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		profile: profile,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ModelName returns the provider model identifier.
func (c *Client) ModelName() string { return c.profile.Model }

// Plan sends the prompt bundle and returns the planned action plus the
// model's thought. Provider fallback order: chat/completions, then
// responses, then completions; the first non-error reply wins. Unparseable
// output degrades to wait(1000) by design.
func (c *Client) Plan(ctx context.Context, pr PlanRequest) (Decision, error) {
	var errs []string

	if dec, err := c.planChat(ctx, pr); err == nil {
		return dec, nil
	} else {
		errs = append(errs, fmt.Sprintf("chat: %v", err))
	}
	if dec, err := c.planResponses(ctx, pr); err == nil {
		return dec, nil
	} else {
		errs = append(errs, fmt.Sprintf("responses: %v", err))
	}
	if dec, err := c.planCompletions(ctx, pr); err == nil {
		return dec, nil
	} else {
		errs = append(errs, fmt.Sprintf("completions: %v", err))
	}
	return Decision{}, operr.New(operr.KindModelFailed,
		"all providers failed: %s", strings.Join(errs, "; "))
}

func (c *Client) planChat(ctx context.Context, pr PlanRequest) (Decision, error) {
	req := chatRequest{
		Model:           c.profile.Model,
		Messages:        pr.chatMessages(),
		Tools:           []Tool{phoneActionTool()},
		ToolChoice:      "auto",
		MaxTokens:       c.profile.MaxTokens,
		Temperature:     c.profile.Temperature,
		ReasoningEffort: c.profile.ReasoningEffort,
	}
	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return Decision{}, err
	}
	if resp.Error != nil {
		return Decision{}, fmt.Errorf("api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("empty choices")
	}
	choice := resp.Choices[0].Message

	// Structured tool arguments are preferred over free text.
	for _, tc := range choice.ToolCalls {
		if tc.Function.Name == phoneActionToolName {
			return decisionFromToolArgs(choice.Content, tc.Function.Arguments), nil
		}
	}
	return decisionFromText(choice.Content), nil
}

func (c *Client) planResponses(ctx context.Context, pr PlanRequest) (Decision, error) {
	req := responsesRequest{
		Model:           c.profile.Model,
		Input:           pr.chatMessages(),
		MaxOutputTokens: c.profile.MaxTokens,
		Temperature:     c.profile.Temperature,
	}
	var resp responsesResponse
	if err := c.post(ctx, "/responses", req, &resp); err != nil {
		return Decision{}, err
	}
	if resp.Error != nil {
		return Decision{}, fmt.Errorf("api error: %s", resp.Error.Message)
	}
	text := resp.OutputText
	if text == "" {
		for _, out := range resp.Output {
			for _, part := range out.Content {
				if part.Text != "" {
					text += part.Text
				}
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		return Decision{}, fmt.Errorf("empty output")
	}
	return decisionFromText(text), nil
}

func (c *Client) planCompletions(ctx context.Context, pr PlanRequest) (Decision, error) {
	req := completionsRequest{
		Model:       c.profile.Model,
		Prompt:      pr.flatPrompt(),
		MaxTokens:   c.profile.MaxTokens,
		Temperature: c.profile.Temperature,
	}
	var resp completionsResponse
	if err := c.post(ctx, "/completions", req, &resp); err != nil {
		return Decision{}, err
	}
	if resp.Error != nil {
		return Decision{}, fmt.Errorf("api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Text) == "" {
		return Decision{}, fmt.Errorf("empty completion")
	}
	return decisionFromText(resp.Choices[0].Text), nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(c.profile.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: HTTP %d: %s", endpoint, resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Decision is the parsed planning result.
type Decision struct {
	Thought string
	Action  action.Action
	Raw     string
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
