package humanauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/operr"
)

// RelayClient talks to a relay server over HTTP on behalf of the bridge.
type RelayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRelayClient trims a trailing slash off baseURL. Each poll iteration is
// bounded by a 10 second deadline.
func NewRelayClient(baseURL, apiKey string) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateResponse is the relay's answer to a create call.
type CreateResponse struct {
	RequestID string `json:"requestId"`
	OpenURL   string `json:"openUrl"`
	PollToken string `json:"pollToken"`
	ExpiresAt string `json:"expiresAt"`
}

// PollResponse is the relay's answer to a decision poll.
type PollResponse struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	DecidedAt string    `json:"decidedAt,omitempty"`
	Artifact  *Artifact `json:"artifact,omitempty"`
}

// Create registers a remote approval request.
func (c *RelayClient) Create(ctx context.Context, body createRequest) (*CreateResponse, error) {
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/human-auth/requests", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches the current decision state for a request.
func (c *RelayClient) Poll(ctx context.Context, requestID, pollToken string) (*PollResponse, error) {
	path := fmt.Sprintf("/v1/human-auth/requests/%s?pollToken=%s", requestID, pollToken)
	var out PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RelayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return operr.Wrap(operr.KindRelayUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return operr.Wrap(operr.KindRelayUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Code != "" {
			return operr.New(operr.KindRelayUnreachable, "relay %d: %s (%s)",
				resp.StatusCode, apiErr.Error.Message, apiErr.Error.Code)
		}
		return operr.New(operr.KindRelayUnreachable, "relay status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
