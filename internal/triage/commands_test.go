// ABOUTME: Tests the /xcase command parser and the operator command verbs.

package triage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-zulip/internal/zulip"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		want Command
	}{
		{"not a command", "just text", false, Command{}},
		{"prefix inside word", "/xcases list", false, Command{}},
		{"bare prefix is help", "/xcase", true, Command{Verb: "help"}},
		{"verb only", "/xcase list", true, Command{Verb: "list", Args: []string{}}},
		{"verb with id", "/xcase status x-42", true, Command{Verb: "status", CaseID: "x-42", Args: []string{}}},
		{"verb id and args", "/xcase close x-42 stale report", true, Command{Verb: "close", CaseID: "x-42", Args: []string{"stale", "report"}}},
		{"non-id first arg", "/xcase list all", true, Command{Verb: "list", Args: []string{"all"}}},
		{"verb case folded", "/xcase LIST", true, Command{Verb: "list", Args: []string{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCommand(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// cmdMsg builds a command message issued from a shared stream topic.
func cmdMsg(content string) *zulip.Message {
	return &zulip.Message{
		ID:          900,
		Type:        "stream",
		SenderEmail: "operator@example.com",
		Stream:      "general",
		Topic:       "watercooler",
		Content:     content,
	}
}

// lastReplyTo returns the last message sent to the command's own topic.
func lastReplyTo(t *testing.T, out *fakeOutbound, stream, topic string) string {
	t.Helper()
	replies := out.sentTo(stream, topic)
	require.NotEmpty(t, replies)
	return replies[len(replies)-1].Content
}

func TestCommand_Help(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "/xcase list")
}

func TestCommand_UnknownVerb(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase bogus"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "unknown command")
}

func TestCommand_List(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.store.Put(Case{ID: "x-1", URL: "https://x.com/a/status/1", Status: StatusOpen, RouteKey: "general", UpdatedAt: 1})
	f.store.Put(Case{ID: "x-2", URL: "https://x.com/a/status/2", Status: StatusNoAction, UpdatedAt: 2})

	f.engine.HandleMessage(ctx, cmdMsg("/xcase list"))
	reply := lastReplyTo(t, f.out, "general", "watercooler")
	assert.Contains(t, reply, "x-1")
	assert.NotContains(t, reply, "x-2")

	f.engine.HandleMessage(ctx, cmdMsg("/xcase list all"))
	reply = lastReplyTo(t, f.out, "general", "watercooler")
	assert.Contains(t, reply, "x-2")
}

func TestCommand_ListEmpty(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase list"))

	assert.Equal(t, "no cases", lastReplyTo(t, f.out, "general", "watercooler"))
}

func TestCommand_Status(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.store.Put(Case{ID: "x-42", URL: "https://x.com/u/status/42", Status: StatusOpen, IntakeStream: "triage", IntakeTopic: "intake"})

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase status x-42"))

	reply := lastReplyTo(t, f.out, "general", "watercooler")
	assert.Contains(t, reply, "**Case x-42**")
	assert.Contains(t, reply, "`open`")
}

func TestCommand_StatusUnknownCase(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase status x-404"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "no case x-404")
}

func TestCommand_Close(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase close x-9 duplicate report"))

	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusNoAction, c.Status)
	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "closed x-9: duplicate report")
}

func TestCommand_Move(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase move x-9 stream:security incident 7"))

	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusMoved, c.Status)
	assert.Equal(t, "security", c.AnalysisStream)
	assert.Equal(t, "incident 7", c.AnalysisTopic)

	// A notice lands in the new location; the old topic no longer binds.
	notices := f.out.sentTo("security", "incident 7")
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[0].Content, "x-9")
	_, ok := f.store.ByTopic("triage", "x/x-9")
	assert.False(t, ok)
}

func TestCommand_MoveWithoutTopic(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase move x-9"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "usage:")
	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusOpen, c.Status)
}

func TestCommand_Continue(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))
	require.Equal(t, 1, f.gw.count())

	f.engine.HandleMessage(ctx, cmdMsg("/xcase continue x-9 check the quote posts"))

	require.Equal(t, 2, f.gw.count())
	assert.Contains(t, f.gw.request(1).Content, "check the quote posts")
}

func TestCommand_ContinueDefaultNote(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase continue x-9"))

	require.Equal(t, 2, f.gw.count())
	assert.Contains(t, f.gw.request(1).Content, "Continue the analysis.")
}

func TestCommand_ContinueCreatesTopicOnDemand(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.TopicMode = TopicOnDemand })
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	c, _ := f.store.Get("x-9")
	require.False(t, c.DedicatedTopic)
	assert.Equal(t, "intake", c.AnalysisTopic)

	f.engine.HandleMessage(ctx, cmdMsg("/xcase continue x-9"))

	c, _ = f.store.Get("x-9")
	assert.True(t, c.DedicatedTopic)
	assert.Equal(t, "x/x-9", c.AnalysisTopic)
	bound, ok := f.store.ByTopic("triage", "x/x-9")
	require.True(t, ok)
	assert.Equal(t, "x-9", bound.ID)
}

func TestCommand_ResolvesCaseFromTopic(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	// Issued inside the dedicated topic, no explicit id.
	msg := &zulip.Message{
		ID: 2, Type: "stream", SenderEmail: "operator@example.com",
		Stream: "triage", Topic: "x/x-9", Content: "/xcase close wrapped up",
	}
	f.engine.HandleMessage(ctx, msg)

	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusNoAction, c.Status)
}

func TestCommand_ResolvesCaseFromLink(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase status https://x.com/u/status/9"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "**Case x-9**")
}

func TestCommand_AmbiguousTarget(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), cmdMsg("/xcase status"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "which case?")
}

func TestCommand_MoveClosedCaseRefused(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))
	f.engine.HandleMessage(ctx, cmdMsg("/xcase close x-9"))

	f.engine.HandleMessage(ctx, cmdMsg("/xcase move x-9 stream:security incident"))

	assert.Contains(t, lastReplyTo(t, f.out, "general", "watercooler"), "closed")
	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusNoAction, c.Status)
	assert.Equal(t, "x/x-9", c.AnalysisTopic, "a closed case keeps its destination")
}
