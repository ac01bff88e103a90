// ABOUTME: Renders the single editable status card that represents a case in chat.
// ABOUTME: The card is edited in place once posted; a vanished edit target falls back to a fresh post.

package triage

import (
	"fmt"
	"net/url"
	"strings"
)

// renderCardText builds the card body for a case. The layout is fixed: id,
// status, route/expert, analysis location, deep link to the first analysis
// message, a reply hint, and the last error when present.
func renderCardText(c *Case, siteURL string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Case %s** — `%s`\n", c.ID, c.Status)
	fmt.Fprintf(&b, "link: %s\n", c.URL)

	if c.RouteKey != "" {
		if c.ExpertAgentID != "" {
			fmt.Fprintf(&b, "route: %s → %s\n", c.RouteKey, c.ExpertAgentID)
		} else {
			fmt.Fprintf(&b, "route: %s\n", c.RouteKey)
		}
	}

	switch {
	case c.RoutePeer != "":
		fmt.Fprintf(&b, "analysis: DM with %s\n", c.RoutePeer)
	case c.AnalysisStream != "":
		fmt.Fprintf(&b, "analysis: #%s > %s\n", c.AnalysisStream, c.AnalysisTopic)
	}

	if c.AnalysisFirstMessageID != 0 && c.AnalysisStream != "" {
		fmt.Fprintf(&b, "first analysis: %s\n",
			messageLink(siteURL, c.AnalysisStream, c.AnalysisTopic, c.AnalysisFirstMessageID))
	}

	switch {
	case c.Status == StatusNoAction:
		b.WriteString("reply: case closed; use /xcase continue " + c.ID + " to resume\n")
	case c.DedicatedTopic:
		fmt.Fprintf(&b, "reply: post in #%s > %s\n", c.AnalysisStream, c.AnalysisTopic)
	default:
		fmt.Fprintf(&b, "reply: /xcase continue %s <note>\n", c.ID)
	}

	if c.LastError != "" {
		fmt.Fprintf(&b, "error: %s\n", c.LastError)
	}

	return strings.TrimRight(b.String(), "\n")
}

// messageLink builds a deep link to a message inside a stream topic.
func messageLink(siteURL, stream, topic string, messageID int64) string {
	return fmt.Sprintf("%s/#narrow/stream/%s/topic/%s/near/%d",
		strings.TrimSuffix(siteURL, "/"),
		url.PathEscape(stream),
		url.PathEscape(topic),
		messageID)
}
