// ABOUTME: Engine tests: trigger predicate, case creation, analysis dispatch,
// ABOUTME: in-flight exclusivity, error handling, and card upkeep.

package triage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-zulip/internal/agentapi"
	"github.com/2389/coven-zulip/internal/zulip"
)

type sentMessage struct {
	Stream  string
	Topic   string
	To      string
	Content string
}

type fakeOutbound struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentMessage
	edits  map[int64]string
	// editErr makes every EditMessage call fail.
	editErr error
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{nextID: 100, edits: make(map[int64]string)}
}

func (o *fakeOutbound) SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.sent = append(o.sent, sentMessage{Stream: stream, Topic: topic, Content: content})
	return o.nextID, nil
}

func (o *fakeOutbound) SendPrivateMessage(ctx context.Context, to, content string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.sent = append(o.sent, sentMessage{To: to, Content: content})
	return o.nextID, nil
}

func (o *fakeOutbound) EditMessage(ctx context.Context, messageID int64, content string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.editErr != nil {
		return o.editErr
	}
	o.edits[messageID] = content
	return nil
}

func (o *fakeOutbound) sentTo(stream, topic string) []sentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sentMessage
	for _, m := range o.sent {
		if m.Stream == stream && m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []agentapi.SendRequest
	response string
	err      error
	// block, when non-nil, stalls SendMessage until closed.
	block chan struct{}
}

func (d *fakeDispatcher) SendMessage(ctx context.Context, req agentapi.SendRequest, onEvent func(agentapi.SSEEvent)) (string, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	block := d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return d.response, d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDispatcher) request(i int) agentapi.SendRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i]
}

type engineFixture struct {
	engine *Engine
	store  *Store
	out    *fakeOutbound
	gw     *fakeDispatcher
}

func newEngineFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()

	routes, err := NewTable([]Route{
		{Name: "security", Stream: "security", Topic: "incoming", Expert: "sec-agent"},
		{Name: "general", Stream: "triage", Expert: "gen-agent"},
	}, "general")
	require.NoError(t, err)

	cfg := Config{
		AccountID:          "acct",
		SiteURL:            "https://chat.example.com",
		BotMention:         "@**coven**",
		Enabled:            true,
		AutoTrigger:        TriggerAlways,
		IntakeStream:       "triage",
		IntakeTopic:        "intake",
		TopicMode:          TopicAuto,
		MaxLinksPerMessage: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := OpenStore(filepath.Join(t.TempDir(), "cases.json"), 0, nil)
	out := newFakeOutbound()
	gw := &fakeDispatcher{response: "1. Summary ..."}
	return &engineFixture{
		engine: NewEngine(cfg, store, routes, out, nil, gw, nil, nil),
		store:  store,
		out:    out,
		gw:     gw,
	}
}

func linkMsg(id int64, content string) *zulip.Message {
	return &zulip.Message{
		ID:          id,
		Type:        "stream",
		SenderEmail: "reporter@example.com",
		Stream:      "general",
		Topic:       "watercooler",
		Content:     content,
	}
}

func TestEngine_Wants(t *testing.T) {
	f := newEngineFixture(t, nil)

	assert.True(t, f.engine.Wants(linkMsg(1, "/xcase list")))
	assert.True(t, f.engine.Wants(linkMsg(2, "look: https://x.com/u/status/9")))
	assert.False(t, f.engine.Wants(linkMsg(3, "no links, no commands")))
	assert.False(t, f.engine.Wants(linkMsg(4, "https://example.com/not-eligible")))
}

func TestEngine_Wants_MentionMode(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.AutoTrigger = TriggerMention })

	assert.False(t, f.engine.Wants(linkMsg(1, "https://x.com/u/status/9")))
	assert.True(t, f.engine.Wants(linkMsg(2, "@**coven** https://x.com/u/status/9")))
}

func TestEngine_Wants_Disabled(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.Enabled = false })
	assert.False(t, f.engine.Wants(linkMsg(1, "/xcase list")))
}

func TestEngine_Wants_DedicatedTopicMessages(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.store.Put(Case{
		ID: "x-1", Status: StatusOpen,
		AnalysisStream: "triage", AnalysisTopic: "x/x-1", DedicatedTopic: true,
	})

	msg := &zulip.Message{Type: "stream", Stream: "triage", Topic: "x/x-1", Content: "plain follow-up text"}
	assert.True(t, f.engine.Wants(msg))
}

func TestEngine_CreatesCaseFromLink(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), linkMsg(50, "check https://x.com/user/status/42?s=20"))

	c, ok := f.store.Get("x-42")
	require.True(t, ok)
	assert.Equal(t, "https://x.com/user/status/42", c.URL)
	assert.Equal(t, StatusOpen, c.Status, "status returns to open after a successful run")
	assert.Equal(t, "reporter@example.com", c.Reporter)
	assert.Equal(t, int64(50), c.OriginMessageID)
	assert.Equal(t, "general", c.RouteKey)
	assert.Equal(t, "gen-agent", c.ExpertAgentID)
	assert.True(t, c.DedicatedTopic)
	assert.Equal(t, "x/x-42", c.AnalysisTopic)
	assert.Empty(t, c.LastError)

	// A card landed in the intake topic and tracks the case.
	require.NotZero(t, c.CardMessageID)
	cards := f.out.sentTo("triage", "intake")
	require.NotEmpty(t, cards)
	assert.Contains(t, cards[0].Content, "**Case x-42**")

	// The analysis output landed in the dedicated topic.
	analysis := f.out.sentTo("triage", "x/x-42")
	require.Len(t, analysis, 1)
	assert.Equal(t, "1. Summary ...", analysis[0].Content)
	assert.NotZero(t, c.AnalysisFirstMessageID)

	// The first-run prompt asks for the fixed analysis structure.
	require.Equal(t, 1, f.gw.count())
	req := f.gw.request(0)
	assert.Equal(t, "gen-agent", req.AgentID)
	assert.Contains(t, req.Content, "https://x.com/user/status/42")
	for _, section := range []string{"Summary", "Relevance", "Risks", "Recommended action"} {
		assert.Contains(t, req.Content, section)
	}
}

func TestEngine_SameLinkTwiceOneCase(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/user/status/42?s=20"))
	f.engine.HandleMessage(ctx, linkMsg(2, "seen before: https://twitter.com/user/status/42"))

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.gw.count(), "re-encountering a link refreshes the card, not the analysis")

	c, _ := f.store.Get("x-42")
	assert.Equal(t, int64(1), c.OriginMessageID, "origin stays with the first report")
}

func TestEngine_RouteMarkersSelectDestination(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.HandleMessage(context.Background(), linkMsg(1, "#security https://x.com/u/status/7"))

	c, ok := f.store.Get("x-7")
	require.True(t, ok)
	assert.Equal(t, "security", c.RouteKey)
	assert.Equal(t, "sec-agent", c.ExpertAgentID)
	// Pinned route topic wins over the dedicated-topic policy.
	assert.Equal(t, "security", c.AnalysisStream)
	assert.Equal(t, "incoming", c.AnalysisTopic)
	assert.False(t, c.DedicatedTopic)
}

func TestEngine_DispatchErrorSetsErrorStatus(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.gw.err = fmt.Errorf("agent unavailable")

	f.engine.HandleMessage(context.Background(), linkMsg(1, "https://x.com/u/status/5"))

	c, ok := f.store.Get("x-5")
	require.True(t, ok)
	assert.Equal(t, StatusError, c.Status)
	assert.Contains(t, c.LastError, "agent unavailable")

	// The card shows the failure.
	assert.Contains(t, renderCardText(&c, "https://chat.example.com"), "error: ")
}

func TestEngine_ErrorCaseRecoversOnNextRun(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.gw.err = fmt.Errorf("transient")
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/5"))

	f.gw.err = nil
	c, _ := f.store.Get("x-5")
	followUp := &zulip.Message{Type: "stream", Stream: c.AnalysisStream, Topic: c.AnalysisTopic, Content: "try again"}
	f.engine.HandleMessage(ctx, followUp)

	c, _ = f.store.Get("x-5")
	assert.Equal(t, StatusOpen, c.Status)
	assert.Empty(t, c.LastError)
}

func TestEngine_FollowUpInDedicatedTopic(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))
	require.Equal(t, 1, f.gw.count())

	msg := &zulip.Message{ID: 2, Type: "stream", Stream: "triage", Topic: "x/x-9", Content: "what about the replies?"}
	f.engine.HandleMessage(ctx, msg)

	require.Equal(t, 2, f.gw.count())
	assert.Contains(t, f.gw.request(1).Content, "Follow-up from operator")
	assert.Contains(t, f.gw.request(1).Content, "what about the replies?")
}

func TestEngine_ClosedCaseIgnoresFollowUps(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))
	_, err := f.store.Update("x-9", func(c *Case) { c.Status = StatusNoAction })
	require.NoError(t, err)

	msg := &zulip.Message{ID: 2, Type: "stream", Stream: "triage", Topic: "x/x-9", Content: "still there?"}
	f.engine.HandleMessage(ctx, msg)

	assert.Equal(t, 1, f.gw.count(), "closed cases never auto-run analysis")
	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusNoAction, c.Status)
}

func TestEngine_ConcurrentRunsStayExclusive(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))
	require.Equal(t, 1, f.gw.count())

	f.gw.mu.Lock()
	f.gw.block = make(chan struct{})
	f.gw.mu.Unlock()

	followUp := func(id int64, text string) *zulip.Message {
		return &zulip.Message{ID: id, Type: "stream", Stream: "triage", Topic: "x/x-9", Content: text}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleMessage(ctx, followUp(2, "first"))
	}()
	require.Eventually(t, func() bool { return f.gw.count() == 2 }, time.Second, 5*time.Millisecond)

	// While the first run is in flight the case reads in_progress, and a
	// second trigger collapses into a card refresh.
	c, _ := f.store.Get("x-9")
	assert.Equal(t, StatusInProgress, c.Status)
	f.engine.HandleMessage(ctx, followUp(3, "second"))
	assert.Equal(t, 2, f.gw.count())

	f.gw.mu.Lock()
	close(f.gw.block)
	f.gw.block = nil
	f.gw.mu.Unlock()
	<-done

	c, _ = f.store.Get("x-9")
	assert.Equal(t, StatusOpen, c.Status)
}

func TestEngine_CardEditFallsBackToFreshPost(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/u/status/9"))

	before, _ := f.store.Get("x-9")
	require.NotZero(t, before.CardMessageID)

	f.out.mu.Lock()
	f.out.editErr = fmt.Errorf("message deleted")
	f.out.mu.Unlock()

	f.engine.renderCard(ctx, "x-9")

	after, _ := f.store.Get("x-9")
	assert.NotEqual(t, before.CardMessageID, after.CardMessageID, "a vanished card is replaced, not lost")
}

func TestEngine_LongAnalysisIsChunked(t *testing.T) {
	f := newEngineFixture(t, nil)
	var b []byte
	for i := 0; i < 3; i++ {
		line := make([]byte, 4000)
		for j := range line {
			line[j] = 'a'
		}
		b = append(b, line...)
		b = append(b, '\n')
	}
	f.gw.response = string(b)

	f.engine.HandleMessage(context.Background(), linkMsg(1, "https://x.com/u/status/9"))

	analysis := f.out.sentTo("triage", "x/x-9")
	require.Greater(t, len(analysis), 1)
	for _, m := range analysis {
		assert.LessOrEqual(t, len(m.Content), maxChunkLen)
	}

	c, _ := f.store.Get("x-9")
	assert.NotZero(t, c.AnalysisFirstMessageID)
	assert.Greater(t, c.AnalysisLastMessageID, c.AnalysisFirstMessageID)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitChunks("short", 100))

	chunks := splitChunks("aaaa\nbbbb\ncccc", 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa\nbbbb", chunks[0])
	assert.Equal(t, "cccc", chunks[1])
}

func TestEngine_CloseDuringRunStaysClosed(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.gw.mu.Lock()
	f.gw.block = make(chan struct{})
	f.gw.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/user/status/42"))
	}()
	require.Eventually(t, func() bool { return f.gw.count() == 1 }, time.Second, 5*time.Millisecond)

	// Operator closes the case while its analysis is still running.
	f.engine.HandleMessage(ctx, cmdMsg("/xcase close x-42 not ours"))
	c, _ := f.store.Get("x-42")
	require.Equal(t, StatusNoAction, c.Status)

	f.gw.mu.Lock()
	close(f.gw.block)
	f.gw.block = nil
	f.gw.mu.Unlock()
	<-done

	// Run completion must not reopen a closed case.
	c, _ = f.store.Get("x-42")
	assert.Equal(t, StatusNoAction, c.Status)
	assert.NotZero(t, c.AnalysisFirstMessageID, "the run's output is still recorded")
}

func TestEngine_CloseDuringFailedRunStaysClosed(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.gw.err = fmt.Errorf("agent unavailable")
	f.gw.mu.Lock()
	f.gw.block = make(chan struct{})
	f.gw.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/user/status/42"))
	}()
	require.Eventually(t, func() bool { return f.gw.count() == 1 }, time.Second, 5*time.Millisecond)

	f.engine.HandleMessage(ctx, cmdMsg("/xcase close x-42"))

	f.gw.mu.Lock()
	close(f.gw.block)
	f.gw.block = nil
	f.gw.mu.Unlock()
	<-done

	c, _ := f.store.Get("x-42")
	assert.Equal(t, StatusNoAction, c.Status, "a failed run must not flip a closed case to error")
	assert.Contains(t, c.LastError, "agent unavailable")
}

func TestEngine_MoveDuringRunKeepsDestination(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.gw.mu.Lock()
	f.gw.block = make(chan struct{})
	f.gw.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/user/status/42"))
	}()
	require.Eventually(t, func() bool { return f.gw.count() == 1 }, time.Second, 5*time.Millisecond)

	f.engine.HandleMessage(ctx, cmdMsg("/xcase move x-42 stream:security incident"))

	f.gw.mu.Lock()
	close(f.gw.block)
	f.gw.block = nil
	f.gw.mu.Unlock()
	<-done

	c, _ := f.store.Get("x-42")
	assert.Equal(t, "security", c.AnalysisStream)
	assert.Equal(t, "incident", c.AnalysisTopic)
	assert.Equal(t, StatusOpen, c.Status, "the in-flight run completes into the relocated case")
}

func TestEngine_CaseLocksReleased(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, linkMsg(1, "https://x.com/user/status/42"))
	f.engine.HandleMessage(ctx, linkMsg(2, "https://x.com/user/status/43"))

	f.engine.mu.Lock()
	held := len(f.engine.locks)
	f.engine.mu.Unlock()
	assert.Zero(t, held, "per-case mutexes are dropped once released")
}

func TestSplitChunks_NeverSplitsRunes(t *testing.T) {
	// No newlines, so cuts land at the byte bound and must back off to a
	// rune boundary.
	s := strings.Repeat("é", 50) // 2 bytes each
	chunks := splitChunks(s, 15)

	var rejoined string
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, len(c), 15)
		rejoined += c
	}
	assert.Equal(t, s, rejoined)
}
