// ABOUTME: General reply pipeline: forwards DMs and mentions to the agent gateway.
// ABOUTME: First turn in a topic includes recent discussion as context; one reply in flight per channel.

package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-zulip/internal/agentapi"
	"github.com/2389/coven-zulip/internal/zulip"
)

// topicContextLimit is how many recent messages seed a topic's first turn.
const topicContextLimit = 10

// Outbound sends chat messages. Satisfied by *zulip.Client.
type Outbound interface {
	SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error)
	SendPrivateMessage(ctx context.Context, to, content string) (int64, error)
}

// Dispatcher reaches the agent gateway. Satisfied by *agentapi.Client.
type Dispatcher interface {
	SendMessage(ctx context.Context, req agentapi.SendRequest, onEvent func(agentapi.SSEEvent)) (string, error)
}

// History fetches recent messages for first-turn context. Satisfied by
// *zulip.Client.
type History interface {
	GetMessages(ctx context.Context, numBefore int, narrow []zulip.Narrow) ([]zulip.Message, error)
}

// AuditLog records handled messages. May be nil.
type AuditLog interface {
	RecordMessage(ctx context.Context, accountID string, msg *zulip.Message, disposition string)
}

// Config holds per-account reply settings.
type Config struct {
	AccountID string
	// BotMention is the literal mention that addresses the bot.
	BotMention string

	RespondToDMs      bool
	RespondToMentions bool
}

// Responder forwards conversational messages to the agent gateway and posts
// the reply back where the question was asked.
type Responder struct {
	cfg     Config
	gateway Dispatcher
	out     Outbound
	history History
	audit   AuditLog
	logger  *slog.Logger

	// processing tracks channels with a reply in flight; a second message
	// for the same channel is dropped rather than queued.
	processing sync.Map

	mu         sync.Mutex
	seenTopics map[string]bool
}

// New creates a responder. history and audit may be nil.
func New(cfg Config, gateway Dispatcher, out Outbound, history History, audit AuditLog, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		cfg:        cfg,
		gateway:    gateway,
		out:        out,
		history:    history,
		audit:      audit,
		logger:     logger.With("component", "reply", "account", cfg.AccountID),
		seenTopics: make(map[string]bool),
	}
}

// Wants reports whether this message should get a conversational reply.
func (r *Responder) Wants(msg *zulip.Message) bool {
	if msg.IsPrivate() {
		return r.cfg.RespondToDMs
	}
	return r.cfg.RespondToMentions &&
		r.cfg.BotMention != "" &&
		strings.Contains(msg.Content, r.cfg.BotMention)
}

// HandleMessage forwards the message to the gateway and posts the agent's
// reply. Failures become an error reply to the user, never a silent drop.
func (r *Responder) HandleMessage(ctx context.Context, msg *zulip.Message) {
	channelID := channelID(msg)

	if _, loaded := r.processing.LoadOrStore(channelID, true); loaded {
		r.logger.Debug("reply already in flight for channel, dropping", "channel", channelID)
		return
	}
	defer r.processing.Delete(channelID)

	if r.audit != nil {
		r.audit.RecordMessage(ctx, r.cfg.AccountID, msg, "reply")
	}

	content := strings.TrimSpace(strings.ReplaceAll(msg.Content, r.cfg.BotMention, ""))
	if content == "" {
		return
	}

	if prelude := r.topicContext(ctx, msg); prelude != "" {
		content = prelude + "\n\n" + content
	}

	response, err := r.gateway.SendMessage(ctx, agentapi.SendRequest{
		Sender:    msg.SenderEmail,
		Content:   content,
		Frontend:  "zulip",
		ChannelID: channelID,
	}, nil)
	if err != nil {
		r.logger.Error("gateway request failed", "channel", channelID, "error", err)
		r.send(ctx, msg, fmt.Sprintf("Error: %v", err))
		return
	}
	if response == "" {
		r.logger.Warn("empty response from agent", "channel", channelID)
		return
	}

	r.send(ctx, msg, response)
}

// topicContext returns a context block of recent topic discussion the first
// time the responder engages in a stream topic. Fetch failures just mean no
// context.
func (r *Responder) topicContext(ctx context.Context, msg *zulip.Message) string {
	if msg.IsPrivate() || r.history == nil {
		return ""
	}

	key := msg.Stream + "/" + msg.Topic
	r.mu.Lock()
	seen := r.seenTopics[key]
	r.seenTopics[key] = true
	r.mu.Unlock()
	if seen {
		return ""
	}

	msgs, err := r.history.GetMessages(ctx, topicContextLimit, []zulip.Narrow{
		{Operator: "stream", Operand: msg.Stream},
		{Operator: "topic", Operand: msg.Topic},
	})
	if err != nil {
		r.logger.Debug("topic context fetch failed", "topic", key, "error", err)
		return ""
	}

	var b strings.Builder
	for _, m := range msgs {
		if m.ID == msg.ID {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.SenderEmail, m.Content)
	}
	if b.Len() == 0 {
		return ""
	}
	return "Recent discussion in this topic:\n" + strings.TrimRight(b.String(), "\n")
}

// send posts a reply to the message's origin.
func (r *Responder) send(ctx context.Context, msg *zulip.Message, text string) {
	var err error
	if msg.IsPrivate() {
		_, err = r.out.SendPrivateMessage(ctx, msg.SenderEmail, text)
	} else {
		_, err = r.out.SendStreamMessage(ctx, msg.Stream, msg.Topic, text)
	}
	if err != nil {
		r.logger.Error("failed to send reply", "error", err)
	}
}

// channelID is the gateway-facing channel identifier for a message origin.
func channelID(msg *zulip.Message) string {
	if msg.IsPrivate() {
		return "dm:" + msg.SenderEmail
	}
	return "stream:" + msg.Stream + "/" + msg.Topic
}
