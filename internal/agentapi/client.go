// ABOUTME: Gateway API client used to reach agent back-ends over HTTP/SSE.
// ABOUTME: Carries both analysis dispatches (addressed to an expert agent) and ordinary replies.

package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType represents SSE event types from the gateway.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventText     EventType = "text"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// SSEEvent represents a parsed Server-Sent Event.
type SSEEvent struct {
	Type EventType
	Data string
}

// TextEventData is the JSON structure for text/thinking/done events.
type TextEventData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

// ErrorEventData is the JSON structure for error events.
type ErrorEventData struct {
	Error string `json:"error"`
}

// SendRequest is the request body for POST /api/send. Either AgentID or
// Frontend+ChannelID must be set; the gateway resolves the rest.
type SendRequest struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Client communicates with the agent gateway's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// SendMessage sends a message to the gateway and streams SSE responses via
// the callback. Returns the full response text on success.
func (c *Client) SendMessage(ctx context.Context, req SendRequest, onEvent func(SSEEvent)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp)
	}

	return c.parseSSEStream(ctx, resp.Body, onEvent)
}

// handleErrorResponse extracts an error message from non-200 responses.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp ErrorEventData
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
}

// parseSSEStream reads SSE events from the response body.
func (c *Client) parseSSEStream(ctx context.Context, body io.Reader, onEvent func(SSEEvent)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType EventType
	var dataLines []string
	var fullResponse string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return fullResponse, ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				event := SSEEvent{
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				}

				if eventType == EventDone {
					var data TextEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						fullResponse = data.FullResponse
					}
				}

				if eventType == EventError {
					var data ErrorEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						return "", fmt.Errorf("agent error: %s", data.Error)
					}
				}

				if onEvent != nil {
					onEvent(event)
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return fullResponse, fmt.Errorf("reading SSE stream: %w", err)
	}

	return fullResponse, nil
}
