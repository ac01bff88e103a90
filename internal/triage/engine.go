// ABOUTME: Case triage engine: trigger evaluation, case lifecycle, analysis dispatch, card upkeep.
// ABOUTME: Concurrency is scoped per case id; an in-flight set keeps analysis runs exclusive.

package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/coven-zulip/internal/agentapi"
	"github.com/2389/coven-zulip/internal/zulip"
)

// TriggerMode controls when a message auto-triages.
type TriggerMode string

const (
	// TriggerAlways triages any message carrying an eligible link.
	TriggerAlways TriggerMode = "always"
	// TriggerMention triages only when the bot is mentioned alongside a link.
	TriggerMention TriggerMode = "mention"
	// TriggerOff disables auto-triage; cases arise from commands only.
	TriggerOff TriggerMode = "off"
)

// TopicMode controls whether a case gets a dedicated analysis topic.
type TopicMode string

const (
	// TopicAuto creates the dedicated topic at case creation.
	TopicAuto TopicMode = "auto"
	// TopicOnDemand creates it the first time the case is continued.
	TopicOnDemand TopicMode = "on-demand"
	// TopicNever keeps analysis in the route's shared topic.
	TopicNever TopicMode = "never"
)

// maxChunkLen bounds a single outbound chat message; longer analysis output
// is split across consecutive messages.
const maxChunkLen = 9000

// Outbound sends and edits chat messages. Satisfied by *zulip.Client.
type Outbound interface {
	SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error)
	SendPrivateMessage(ctx context.Context, to, content string) (int64, error)
	EditMessage(ctx context.Context, messageID int64, content string) error
}

// Dispatcher reaches the analysis agent back-end. Satisfied by *agentapi.Client.
type Dispatcher interface {
	SendMessage(ctx context.Context, req agentapi.SendRequest, onEvent func(agentapi.SSEEvent)) (string, error)
}

// AuditLog records handled messages and analysis outcomes. All methods are
// best-effort; implementations must not return errors into the triage path.
type AuditLog interface {
	RecordMessage(ctx context.Context, accountID string, msg *zulip.Message, disposition string)
	RecordAnalysis(ctx context.Context, accountID, caseID, requestID, status, errText string)
}

// Config holds per-account triage settings.
type Config struct {
	AccountID string
	SiteURL   string
	// BotMention is the literal mention text that addresses the bot,
	// e.g. "@**coven**".
	BotMention string

	Enabled     bool
	AutoTrigger TriggerMode

	IntakeStream string
	IntakeTopic  string

	TopicMode          TopicMode
	MaxLinksPerMessage int
}

// Engine mutates cases in response to messages and operator commands. The
// store owns persistence; the engine owns every status transition.
type Engine struct {
	cfg     Config
	store   *Store
	routes  *Table
	out     Outbound
	postAs  map[string]Outbound // alternate posting identities by account name
	gateway Dispatcher
	audit   AuditLog // may be nil
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	locks    map[string]*caseLock
}

// caseLock is a per-case mutex with a waiter count so the engine can drop
// the map entry once nobody holds or wants it.
type caseLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a triage engine. postAs and audit may be nil.
func NewEngine(cfg Config, store *Store, routes *Table, out Outbound, postAs map[string]Outbound, gateway Dispatcher, audit AuditLog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		routes:   routes,
		out:      out,
		postAs:   postAs,
		gateway:  gateway,
		audit:    audit,
		logger:   logger.With("component", "triage", "account", cfg.AccountID),
		inflight: make(map[string]bool),
		locks:    make(map[string]*caseLock),
	}
}

// Wants reports whether the engine should handle this message: triage must
// be enabled, and the message must be a case command, sit inside a topic
// bound to a case, or satisfy the auto-trigger mode while carrying at least
// one eligible link.
func (e *Engine) Wants(msg *zulip.Message) bool {
	if !e.cfg.Enabled {
		return false
	}
	if IsCommand(msg.Content) {
		return true
	}
	if !msg.IsPrivate() {
		if _, ok := e.store.ByTopic(msg.Stream, msg.Topic); ok {
			return true
		}
	}
	if !e.autoTriggered(msg.Content) {
		return false
	}
	return len(ExtractLinks(msg.Content, 1)) > 0
}

// autoTriggered evaluates the configured auto-trigger mode against the text.
func (e *Engine) autoTriggered(text string) bool {
	switch e.cfg.AutoTrigger {
	case TriggerAlways:
		return true
	case TriggerMention:
		return e.cfg.BotMention != "" && strings.Contains(text, e.cfg.BotMention)
	default:
		return false
	}
}

// HandleMessage is the engine's entry point for one inbound message. It is
// called from a per-message goroutine and must never panic outward; errors
// surface as card updates or command replies, not as failures.
func (e *Engine) HandleMessage(ctx context.Context, msg *zulip.Message) {
	switch {
	case IsCommand(msg.Content):
		e.recordMessage(ctx, msg, "command")
		e.handleCommand(ctx, msg)

	default:
		if !msg.IsPrivate() {
			if c, ok := e.store.ByTopic(msg.Stream, msg.Topic); ok {
				e.recordMessage(ctx, msg, "followup")
				e.handleFollowUp(ctx, c.ID, msg)
				return
			}
		}
		e.recordMessage(ctx, msg, "triage")
		e.handleAutoTriage(ctx, msg)
	}
}

// handleAutoTriage extracts links and creates or refreshes a case per link.
func (e *Engine) handleAutoTriage(ctx context.Context, msg *zulip.Message) {
	links := ExtractLinks(msg.Content, e.cfg.MaxLinksPerMessage)
	for _, link := range links {
		e.ensureCase(ctx, msg, link)
	}
}

// handleFollowUp routes a message posted inside a dedicated case topic into
// a follow-up analysis run. Closed cases stay closed: the message is
// acknowledged by a card refresh only.
func (e *Engine) handleFollowUp(ctx context.Context, caseID string, msg *zulip.Message) {
	c, ok := e.store.Get(caseID)
	if !ok {
		return
	}
	if c.Status == StatusNoAction {
		e.logger.Debug("ignoring follow-up for closed case", "case", caseID)
		return
	}
	e.runAnalysis(ctx, caseID, msg.Content, true)
}

// ensureCase creates the case for a link, or refreshes the existing card
// when the link has been seen before. Creation is idempotent by construction
// of the case id.
func (e *Engine) ensureCase(ctx context.Context, msg *zulip.Message, link Link) {
	unlock := e.lockCase(link.CaseID)
	_, exists := e.store.Get(link.CaseID)
	if !exists {
		c := e.newCase(msg, link)
		e.store.Put(c)
		e.logger.Info("case created",
			"case", c.ID,
			"url", c.URL,
			"route", c.RouteKey,
			"expert", c.ExpertAgentID)
	}
	unlock()

	e.renderCard(ctx, link.CaseID)
	if exists {
		// Same link seen again: coalesce into a card refresh
		return
	}
	e.runAnalysis(ctx, link.CaseID, "", false)
}

// newCase builds a fresh record for a link, resolving the route from the
// surrounding message text and applying the topic-mode policy.
func (e *Engine) newCase(msg *zulip.Message, link Link) Case {
	now := time.Now().Unix()
	c := Case{
		ID:              link.CaseID,
		URL:             link.URL,
		Status:          StatusOpen,
		OriginMessageID: msg.ID,
		OriginStream:    msg.Stream,
		OriginTopic:     msg.Topic,
		Reporter:        msg.SenderEmail,
		CreatedAt:       now,
		UpdatedAt:       now,
		IntakeStream:    e.cfg.IntakeStream,
		IntakeTopic:     e.cfg.IntakeTopic,
	}

	route, err := e.routes.Resolve(msg.Content)
	if err != nil {
		e.logger.Warn("no route for case, leaving unrouted", "case", c.ID, "error", err)
		c.AnalysisStream = e.cfg.IntakeStream
		c.AnalysisTopic = e.cfg.IntakeTopic
		return c
	}

	c.RouteKey = route.Name
	c.ExpertAgentID = route.ExpertFor(c.ID)
	c.PostAsAccount = route.PostAs

	if route.Stream == "" {
		c.RoutePeer = route.Peer
		return c
	}

	c.AnalysisStream = route.Stream
	switch {
	case route.Topic != "":
		c.AnalysisTopic = route.Topic
	case e.cfg.TopicMode == TopicAuto:
		c.AnalysisTopic = dedicatedTopicName(c.ID)
		c.DedicatedTopic = true
	default:
		// on-demand waits for a continue command; never stays shared
		c.AnalysisTopic = e.cfg.IntakeTopic
	}
	return c
}

// dedicatedTopicName is the topic created for one case's discussion.
func dedicatedTopicName(caseID string) string {
	return "x/" + caseID
}

// runAnalysis executes one analysis run for a case. The in-flight set keeps
// runs exclusive per case id: a second trigger while one is running becomes
// a card refresh. Dispatch errors land in the case's LastError and on the
// card, never in the ingest path.
func (e *Engine) runAnalysis(ctx context.Context, caseID, note string, followUp bool) {
	if !e.beginRun(caseID) {
		e.logger.Debug("analysis already in flight, refreshing card", "case", caseID)
		e.renderCard(ctx, caseID)
		return
	}
	defer e.endRun(caseID)

	c, err := e.store.Update(caseID, func(c *Case) {
		c.Status = StatusInProgress
		c.UpdatedAt = time.Now().Unix()
	})
	if err != nil {
		e.logger.Warn("analysis for unknown case", "case", caseID, "error", err)
		return
	}
	e.renderCard(ctx, caseID)

	requestID := uuid.New().String()
	response, dispatchErr := e.dispatch(ctx, &c, note, followUp)

	var first, last int64
	if dispatchErr == nil {
		first, last, dispatchErr = e.postAnalysis(ctx, &c, response)
	}

	// Completion only moves in_progress forward. An operator may have
	// closed or relocated the case while the run was in flight; those
	// transitions win, and only the run's byproducts are recorded.
	now := time.Now().Unix()
	if dispatchErr != nil {
		e.logger.Error("analysis failed", "case", caseID, "request_id", requestID, "error", dispatchErr)
		_, _ = e.store.Update(caseID, func(c *Case) {
			if c.Status == StatusInProgress {
				c.Status = StatusError
			}
			c.LastError = dispatchErr.Error()
			c.UpdatedAt = now
		})
		e.recordAnalysis(ctx, caseID, requestID, "error", dispatchErr.Error())
	} else {
		_, _ = e.store.Update(caseID, func(c *Case) {
			if c.Status == StatusInProgress {
				c.Status = StatusOpen
			}
			c.LastError = ""
			if c.AnalysisFirstMessageID == 0 {
				c.AnalysisFirstMessageID = first
			}
			c.AnalysisLastMessageID = last
			c.UpdatedAt = now
		})
		e.recordAnalysis(ctx, caseID, requestID, "ok", "")
	}
	e.renderCard(ctx, caseID)
}

// dispatch sends the analysis prompt to the expert agent via the gateway.
func (e *Engine) dispatch(ctx context.Context, c *Case, note string, followUp bool) (string, error) {
	req := agentapi.SendRequest{
		Sender:  "triage:" + e.cfg.AccountID,
		Content: buildPrompt(c, note, followUp),
		AgentID: c.ExpertAgentID,
	}
	if req.AgentID == "" {
		return "", fmt.Errorf("case has no expert agent")
	}

	response, err := e.gateway.SendMessage(ctx, req, nil)
	if err != nil {
		return "", fmt.Errorf("analysis dispatch: %w", err)
	}
	if response == "" {
		return "", fmt.Errorf("analysis agent returned empty response")
	}
	return response, nil
}

// postAnalysis delivers the analysis output to the case's destination,
// splitting long output across messages, and returns the first and last
// message ids produced.
func (e *Engine) postAnalysis(ctx context.Context, c *Case, response string) (first, last int64, err error) {
	sender := e.sender(c)

	for _, chunk := range splitChunks(response, maxChunkLen) {
		var id int64
		if c.RoutePeer != "" {
			id, err = sender.SendPrivateMessage(ctx, c.RoutePeer, chunk)
		} else {
			id, err = sender.SendStreamMessage(ctx, c.AnalysisStream, c.AnalysisTopic, chunk)
		}
		if err != nil {
			return first, last, fmt.Errorf("posting analysis: %w", err)
		}
		if first == 0 {
			first = id
		}
		last = id
	}
	return first, last, nil
}

// sender picks the posting identity for a case.
func (e *Engine) sender(c *Case) Outbound {
	if c.PostAsAccount != "" {
		if alt, ok := e.postAs[c.PostAsAccount]; ok {
			return alt
		}
		e.logger.Warn("post-as account not configured, using default identity",
			"case", c.ID, "post_as", c.PostAsAccount)
	}
	return e.out
}

// buildPrompt assembles the analysis prompt. The first run requests a fixed
// four-part structure; follow-ups pass the operator's message through raw.
func buildPrompt(c *Case, note string, followUp bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s\nURL: %s\n", c.ID, c.URL)

	if followUp {
		b.WriteString("\nFollow-up from operator:\n")
		b.WriteString(note)
		return b.String()
	}

	if note != "" {
		fmt.Fprintf(&b, "Note: %s\n", note)
	}
	b.WriteString("\nAnalyze the linked post and respond with exactly these sections:\n")
	b.WriteString("1. Summary — what the post says\n")
	b.WriteString("2. Relevance — why it matters to us, if at all\n")
	b.WriteString("3. Risks — what could go wrong if it is accurate or widely shared\n")
	b.WriteString("4. Recommended action — what, if anything, we should do\n")
	return b.String()
}

// renderCard renders the case's card, editing the existing card message in
// place or posting a fresh one if the edit target no longer resolves.
func (e *Engine) renderCard(ctx context.Context, caseID string) {
	c, ok := e.store.Get(caseID)
	if !ok {
		return
	}

	text := renderCardText(&c, e.cfg.SiteURL)

	if c.CardMessageID != 0 {
		err := e.out.EditMessage(ctx, c.CardMessageID, text)
		if err == nil {
			return
		}
		e.logger.Warn("card edit failed, posting fresh card",
			"case", caseID, "card_message", c.CardMessageID, "error", err)
	}

	id, err := e.out.SendStreamMessage(ctx, c.IntakeStream, c.IntakeTopic, text)
	if err != nil {
		e.logger.Error("failed to post card", "case", caseID, "error", err)
		return
	}
	_, _ = e.store.Update(caseID, func(c *Case) {
		c.CardMessageID = id
	})
}

// beginRun marks a case's analysis as in flight. Returns false if a run is
// already executing for this case id.
func (e *Engine) beginRun(caseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[caseID] {
		return false
	}
	e.inflight[caseID] = true
	return true
}

// endRun clears the in-flight marker.
func (e *Engine) endRun(caseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, caseID)
}

// lockCase takes the per-case mutex, creating it on first use and discarding
// it once the last holder releases. Contention is scoped to a single case
// id; there is no global lock around handling.
func (e *Engine) lockCase(caseID string) (unlock func()) {
	e.mu.Lock()
	l, ok := e.locks[caseID]
	if !ok {
		l = &caseLock{}
		e.locks[caseID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, caseID)
		}
		e.mu.Unlock()
	}
}

// recordMessage writes a message-handled audit row, if a log is attached.
func (e *Engine) recordMessage(ctx context.Context, msg *zulip.Message, disposition string) {
	if e.audit != nil {
		e.audit.RecordMessage(ctx, e.cfg.AccountID, msg, disposition)
	}
}

// recordAnalysis writes an analysis-outcome audit row, if a log is attached.
func (e *Engine) recordAnalysis(ctx context.Context, caseID, requestID, status, errText string) {
	if e.audit != nil {
		e.audit.RecordAnalysis(ctx, e.cfg.AccountID, caseID, requestID, status, errText)
	}
}

// splitChunks splits s into pieces of at most n bytes, preferring to break
// at line boundaries and never inside a multi-byte rune.
func splitChunks(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var chunks []string
	for len(s) > n {
		cut := strings.LastIndexByte(s[:n], '\n')
		if cut < n/2 {
			cut = n
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = n
			}
		}
		chunks = append(chunks, strings.TrimRight(s[:cut], "\n"))
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
