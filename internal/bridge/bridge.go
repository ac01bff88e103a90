// ABOUTME: Routes inbound messages between the case-triage engine and the
// ABOUTME: conversational reply pipeline; anything neither wants is dropped.

package bridge

import (
	"context"
	"log/slog"

	"github.com/2389/coven-zulip/internal/zulip"
)

// MessageHandler is a pipeline stage that can claim and process a message.
type MessageHandler interface {
	Wants(msg *zulip.Message) bool
	HandleMessage(ctx context.Context, msg *zulip.Message)
}

// Bridge fans inbound messages out to the first stage that claims them.
// Triage gets first refusal so case links and commands never fall through
// to the general reply path.
type Bridge struct {
	triage MessageHandler
	reply  MessageHandler
	logger *slog.Logger
}

// New creates a bridge. Either stage may be nil.
func New(triage, reply MessageHandler, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		triage: triage,
		reply:  reply,
		logger: logger.With("component", "bridge"),
	}
}

// HandleMessage implements the ingestion handler contract.
func (b *Bridge) HandleMessage(ctx context.Context, msg *zulip.Message) {
	if b.triage != nil && b.triage.Wants(msg) {
		b.triage.HandleMessage(ctx, msg)
		return
	}
	if b.reply != nil && b.reply.Wants(msg) {
		b.reply.HandleMessage(ctx, msg)
		return
	}
	b.logger.Debug("message not claimed by any stage", "message_id", msg.ID, "sender", msg.SenderEmail)
}
