// ABOUTME: Wire types for the Zulip-style event queue protocol.
// ABOUTME: Events, messages, and the narrow filters used by point queries.

package zulip

import (
	"encoding/json"
	"fmt"
)

// Event is a single entry returned by a long-poll of the event queue.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"` // "message", "heartbeat", ...
	Message *Message `json:"message,omitempty"`
}

// Message is a chat message as carried in events and history queries.
type Message struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	SenderEmail string `json:"sender_email"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
	Type        string `json:"type"`      // "stream" or "private"
	Stream      string `json:"-"`         // resolved from display_recipient for stream messages
	Topic       string `json:"subject"`
	Content     string `json:"content"`

	// DisplayRecipient is a string (stream name) for stream messages and a
	// recipient list for private messages; it is decoded into Stream or left
	// to callers via IsPrivate.
	DisplayRecipient json.RawMessage `json:"display_recipient,omitempty"`
}

// IsPrivate reports whether the message is a direct message.
func (m *Message) IsPrivate() bool {
	return m.Type == "private"
}

// ResolveStream decodes display_recipient into the Stream field for stream
// messages. Private messages are left untouched.
func (m *Message) ResolveStream() {
	if m.Type != "stream" || len(m.DisplayRecipient) == 0 {
		return
	}
	var name string
	if err := json.Unmarshal(m.DisplayRecipient, &name); err == nil {
		m.Stream = name
	}
}

// Narrow is a single message filter term for history queries, e.g.
// {"operator": "stream", "operand": "triage"}.
type Narrow struct {
	Operator string `json:"operator"`
	Operand  string `json:"operand"`
}

// apiResponse is the envelope common to all protocol responses.
type apiResponse struct {
	Result string `json:"result"` // "success" or "error"
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

// errorf builds an error from a non-success API envelope.
func (r *apiResponse) errorf(op string) error {
	if r.Code != "" {
		return fmt.Errorf("%s failed: %s (%s)", op, r.Msg, r.Code)
	}
	return fmt.Errorf("%s failed: %s", op, r.Msg)
}
