// ABOUTME: Operator slash-command interpreter for the case workflow.
// ABOUTME: Parses /xcase verbs and applies them against the case store.

package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-zulip/internal/zulip"
)

// commandPrefix marks a message as an operator case command.
const commandPrefix = "/xcase"

// Command is a parsed operator command.
type Command struct {
	Verb   string
	CaseID string   // explicit id argument, may be empty
	Args   []string // remaining arguments after the id
}

// IsCommand reports whether the message text is a case command.
func IsCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == commandPrefix || strings.HasPrefix(trimmed, commandPrefix+" ")
}

// ParseCommand parses a command message. Returns false for non-commands or
// an empty command line.
func ParseCommand(text string) (Command, bool) {
	if !IsCommand(text) {
		return Command{}, false
	}

	fields := strings.Fields(strings.TrimSpace(text))[1:]
	if len(fields) == 0 {
		return Command{Verb: "help"}, true
	}

	cmd := Command{Verb: strings.ToLower(fields[0])}
	rest := fields[1:]
	if len(rest) > 0 && ValidCaseID(rest[0]) {
		cmd.CaseID = rest[0]
		rest = rest[1:]
	}
	cmd.Args = rest
	return cmd, true
}

const helpText = `case triage commands:
/xcase help — this text
/xcase list [all] — list active cases (all includes closed/moved)
/xcase status [id] — show a case's card
/xcase continue [id] [note...] — run a follow-up analysis
/xcase move [id] [stream:NAME] <topic> — relocate analysis discussion
/xcase close [id] [reason...] — close the case (no further auto-analysis)
/xcase noaction [id] [reason...] — same as close`

// handleCommand executes one operator command and replies in the location
// the command was issued from.
func (e *Engine) handleCommand(ctx context.Context, msg *zulip.Message) {
	cmd, ok := ParseCommand(msg.Content)
	if !ok {
		return
	}

	switch cmd.Verb {
	case "help":
		e.reply(ctx, msg, helpText)

	case "list":
		e.cmdList(ctx, msg, cmd)

	case "status":
		e.withCase(ctx, msg, cmd, e.cmdStatus)

	case "continue":
		e.withCase(ctx, msg, cmd, e.cmdContinue)

	case "move":
		e.withCase(ctx, msg, cmd, e.cmdMove)

	case "close", "noaction":
		e.withCase(ctx, msg, cmd, e.cmdClose)

	default:
		e.reply(ctx, msg, fmt.Sprintf("unknown command %q — try /xcase help", cmd.Verb))
	}
}

// withCase resolves the target case for a command and invokes fn, replying
// with an error when resolution fails. Resolution order: explicit id, the
// case bound to the current topic, then a single triage link in the message
// itself.
func (e *Engine) withCase(ctx context.Context, msg *zulip.Message, cmd Command, fn func(context.Context, *zulip.Message, Command, string)) {
	id, err := e.resolveCaseID(msg, cmd)
	if err != nil {
		e.reply(ctx, msg, err.Error())
		return
	}
	fn(ctx, msg, cmd, id)
}

// resolveCaseID finds which case a command refers to.
func (e *Engine) resolveCaseID(msg *zulip.Message, cmd Command) (string, error) {
	if cmd.CaseID != "" {
		if _, ok := e.store.Get(cmd.CaseID); !ok {
			return "", fmt.Errorf("no case %s", cmd.CaseID)
		}
		return cmd.CaseID, nil
	}

	if !msg.IsPrivate() {
		if c, ok := e.store.ByTopic(msg.Stream, msg.Topic); ok {
			return c.ID, nil
		}
	}

	if links := ExtractLinks(msg.Content, 2); len(links) == 1 {
		if _, ok := e.store.Get(links[0].CaseID); ok {
			return links[0].CaseID, nil
		}
		return "", fmt.Errorf("no case for %s", links[0].URL)
	}

	return "", fmt.Errorf("which case? give an id, run the command inside a case topic, or include exactly one link")
}

// cmdList replies with a summary of cases, active by default.
func (e *Engine) cmdList(ctx context.Context, msg *zulip.Message, cmd Command) {
	all := len(cmd.Args) > 0 && strings.EqualFold(cmd.Args[0], "all")

	cases := e.store.List(!all)
	if len(cases) == 0 {
		e.reply(ctx, msg, "no cases")
		return
	}

	var b strings.Builder
	for _, c := range cases {
		fmt.Fprintf(&b, "%s `%s` %s", c.ID, c.Status, c.URL)
		if c.RouteKey != "" {
			fmt.Fprintf(&b, " (%s)", c.RouteKey)
		}
		b.WriteByte('\n')
	}
	e.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
}

// cmdStatus re-renders the card and echoes it where the command was issued.
func (e *Engine) cmdStatus(ctx context.Context, msg *zulip.Message, _ Command, caseID string) {
	e.renderCard(ctx, caseID)

	c, ok := e.store.Get(caseID)
	if !ok {
		e.reply(ctx, msg, "no case "+caseID)
		return
	}
	e.reply(ctx, msg, renderCardText(&c, e.cfg.SiteURL))
}

// cmdContinue runs a follow-up analysis. Under the on-demand topic policy
// this is also the point where the dedicated topic is first created.
func (e *Engine) cmdContinue(ctx context.Context, msg *zulip.Message, cmd Command, caseID string) {
	c, ok := e.store.Get(caseID)
	if !ok {
		e.reply(ctx, msg, "no case "+caseID)
		return
	}

	if e.cfg.TopicMode == TopicOnDemand && !c.DedicatedTopic && c.AnalysisStream != "" {
		updated, err := e.store.Update(caseID, func(c *Case) {
			c.AnalysisTopic = dedicatedTopicName(c.ID)
			c.DedicatedTopic = true
			c.UpdatedAt = time.Now().Unix()
		})
		if err == nil {
			c = updated
			e.notify(ctx, &c, fmt.Sprintf("case %s continues here: %s", c.ID, c.URL))
		}
	}

	note := strings.Join(cmd.Args, " ")
	if note == "" {
		note = "Continue the analysis."
	}
	e.reply(ctx, msg, fmt.Sprintf("continuing %s", caseID))
	e.runAnalysis(ctx, caseID, note, true)
}

// cmdMove relocates the analysis destination. The topic index entry for the
// old location is cleared before the new one is written; the store's
// reindexing guarantees the two never coexist.
func (e *Engine) cmdMove(ctx context.Context, msg *zulip.Message, cmd Command, caseID string) {
	stream, topic := parseMoveArgs(cmd.Args)
	if topic == "" {
		e.reply(ctx, msg, "usage: /xcase move [id] [stream:NAME] <topic>")
		return
	}

	if c, ok := e.store.Get(caseID); ok && c.Status == StatusNoAction {
		e.reply(ctx, msg, caseID+" is closed; reopen it with /xcase continue before moving")
		return
	}

	c, err := e.store.Update(caseID, func(c *Case) {
		if stream != "" {
			c.AnalysisStream = stream
		}
		c.AnalysisTopic = topic
		c.RoutePeer = ""
		// A run in flight keeps its status; completion sees the new
		// destination either way.
		if c.Status != StatusInProgress {
			c.Status = StatusMoved
		}
		c.UpdatedAt = time.Now().Unix()
	})
	if err != nil {
		e.reply(ctx, msg, "no case "+caseID)
		return
	}

	e.notify(ctx, &c, fmt.Sprintf("case %s moved here: %s", c.ID, c.URL))
	e.renderCard(ctx, caseID)
	e.reply(ctx, msg, fmt.Sprintf("moved %s to #%s > %s", caseID, c.AnalysisStream, c.AnalysisTopic))
}

// parseMoveArgs splits move arguments into an optional stream:NAME prefix
// and the destination topic (remaining words joined).
func parseMoveArgs(args []string) (stream, topic string) {
	rest := args
	if len(rest) > 0 && strings.HasPrefix(rest[0], "stream:") {
		stream = strings.TrimPrefix(rest[0], "stream:")
		rest = rest[1:]
	}
	return stream, strings.Join(rest, " ")
}

// cmdClose marks the case noaction. Commands against a closed case still
// work for inspection, but nothing re-triggers analysis automatically.
func (e *Engine) cmdClose(ctx context.Context, msg *zulip.Message, cmd Command, caseID string) {
	_, err := e.store.Update(caseID, func(c *Case) {
		c.Status = StatusNoAction
		c.UpdatedAt = time.Now().Unix()
	})
	if err != nil {
		e.reply(ctx, msg, "no case "+caseID)
		return
	}

	e.renderCard(ctx, caseID)
	reply := "closed " + caseID
	if reason := strings.Join(cmd.Args, " "); reason != "" {
		reply += ": " + reason
	}
	e.reply(ctx, msg, reply)
}

// notify posts a notice to a case's analysis destination.
func (e *Engine) notify(ctx context.Context, c *Case, text string) {
	var err error
	if c.RoutePeer != "" {
		_, err = e.out.SendPrivateMessage(ctx, c.RoutePeer, text)
	} else if c.AnalysisStream != "" {
		_, err = e.out.SendStreamMessage(ctx, c.AnalysisStream, c.AnalysisTopic, text)
	}
	if err != nil {
		e.logger.Warn("failed to post case notice", "case", c.ID, "error", err)
	}
}

// reply answers in the location the triggering message came from.
func (e *Engine) reply(ctx context.Context, msg *zulip.Message, text string) {
	var err error
	if msg.IsPrivate() {
		_, err = e.out.SendPrivateMessage(ctx, msg.SenderEmail, text)
	} else {
		_, err = e.out.SendStreamMessage(ctx, msg.Stream, msg.Topic, text)
	}
	if err != nil {
		e.logger.Warn("failed to send command reply", "error", err)
	}
}
