// ABOUTME: HTTP client for the Zulip-style event queue protocol.
// ABOUTME: Queue registration, long-poll events, history queries, and message send/edit.

package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrQueueExpired indicates the server no longer knows the event queue and
// the caller must register a new one. It is deliberately distinct from
// transient network errors so the ingest loop can decide whether to replay.
var ErrQueueExpired = errors.New("event queue expired")

// queueExpiredCode is the protocol error code for a dropped event queue.
const queueExpiredCode = "BAD_EVENT_QUEUE_ID"

// requestTimeout bounds every call except the long-poll, which is held open
// by the server and bounded only by the caller's context.
const requestTimeout = 15 * time.Second

// Client talks to one chat server on behalf of one bot account.
type Client struct {
	site   string
	email  string
	apiKey string
	client *http.Client
}

// NewClient creates a protocol client for the given server and credentials.
func NewClient(site, email, apiKey string) *Client {
	return &Client{
		site:   strings.TrimSuffix(site, "/"),
		email:  email,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// Email returns the bot account's own address, used to skip self-sent messages.
func (c *Client) Email() string {
	return c.email
}

// Queue identifies a registered event subscription.
type Queue struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// RegisterQueue begins a new long-poll subscription for message events.
func (c *Client) RegisterQueue(ctx context.Context) (*Queue, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("event_types", `["message"]`)
	form.Set("apply_markdown", "false")

	var resp struct {
		apiResponse
		Queue
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/register", form, &resp); err != nil {
		return nil, fmt.Errorf("registering event queue: %w", err)
	}
	if resp.Result != "success" {
		return nil, resp.errorf("register")
	}
	return &resp.Queue, nil
}

// GetEvents long-polls the queue for events past lastEventID. It blocks
// until events arrive, the server times the poll out (returning an empty
// batch), or ctx is cancelled. A dropped queue is reported as
// ErrQueueExpired.
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	form := url.Values{}
	form.Set("queue_id", queueID)
	form.Set("last_event_id", strconv.FormatInt(lastEventID, 10))

	var resp struct {
		apiResponse
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events?"+form.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("polling events: %w", err)
	}
	if resp.Result != "success" {
		if resp.Code == queueExpiredCode {
			return nil, ErrQueueExpired
		}
		return nil, resp.errorf("poll")
	}

	for _, ev := range resp.Events {
		if ev.Message != nil {
			ev.Message.ResolveStream()
		}
	}
	return resp.Events, nil
}

// GetMessages fetches the numBefore most recent messages before the newest
// anchor, optionally narrowed. Used for replay after a reconnect and for
// first-turn topic context, never by the live poll loop.
func (c *Client) GetMessages(ctx context.Context, numBefore int, narrow []Narrow) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("anchor", "newest")
	form.Set("num_before", strconv.Itoa(numBefore))
	form.Set("num_after", "0")
	form.Set("apply_markdown", "false")
	if len(narrow) > 0 {
		encoded, err := json.Marshal(narrow)
		if err != nil {
			return nil, fmt.Errorf("encoding narrow: %w", err)
		}
		form.Set("narrow", string(encoded))
	}

	var resp struct {
		apiResponse
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages?"+form.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	if resp.Result != "success" {
		return nil, resp.errorf("fetch messages")
	}

	for i := range resp.Messages {
		resp.Messages[i].ResolveStream()
	}
	return resp.Messages, nil
}

// SendStreamMessage posts a message to a stream topic and returns its id.
func (c *Client) SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)

	var resp struct {
		apiResponse
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", form, &resp); err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}
	if resp.Result != "success" {
		return 0, resp.errorf("send")
	}
	return resp.ID, nil
}

// SendPrivateMessage sends a direct message to the given recipient.
func (c *Client) SendPrivateMessage(ctx context.Context, to, content string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("type", "private")
	form.Set("to", to)
	form.Set("content", content)

	var resp struct {
		apiResponse
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", form, &resp); err != nil {
		return 0, fmt.Errorf("sending private message: %w", err)
	}
	if resp.Result != "success" {
		return 0, resp.errorf("send private")
	}
	return resp.ID, nil
}

// EditMessage replaces the content of an existing message in place.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("content", content)

	var resp apiResponse
	path := "/api/v1/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.do(ctx, http.MethodPatch, path, form, &resp); err != nil {
		return fmt.Errorf("editing message %d: %w", messageID, err)
	}
	if resp.Result != "success" {
		return resp.errorf("edit")
	}
	return nil
}

// do issues a request and decodes the JSON body into out. Protocol-level
// errors (result != success) are left to the caller, which has access to the
// decoded envelope; only transport and decode failures are returned here.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.site+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	// The protocol reports errors as JSON envelopes with non-200 status;
	// anything that doesn't decode is a genuine transport-level failure.
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
