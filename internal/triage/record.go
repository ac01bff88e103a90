// ABOUTME: Case record type and status lifecycle for the triage workflow.
// ABOUTME: One case per normalized post URL, moving open -> in_progress -> open/error and out via commands.

package triage

// Status is the lifecycle state of a case.
type Status string

const (
	// StatusOpen means the case is awaiting or between analysis runs.
	StatusOpen Status = "open"
	// StatusInProgress means an analysis run is currently executing.
	StatusInProgress Status = "in_progress"
	// StatusNoAction means an operator closed the case. Terminal: new
	// messages never re-trigger analysis automatically.
	StatusNoAction Status = "noaction"
	// StatusMoved means the analysis destination was relocated by an operator.
	StatusMoved Status = "moved"
	// StatusError means the last analysis run failed; LastError has details.
	StatusError Status = "error"
)

// Case tracks one externally-linked item through the analysis workflow.
// The store owns persistence, the engine owns mutation.
type Case struct {
	ID  string `json:"id"`
	URL string `json:"url"`

	Status Status `json:"status"`

	// Origin: where the case was first reported.
	OriginMessageID int64  `json:"origin_message_id"`
	OriginStream    string `json:"origin_stream,omitempty"`
	OriginTopic     string `json:"origin_topic,omitempty"`
	Reporter        string `json:"reporter"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`

	// Destination: the intake location holds the card for the case's whole
	// life; the analysis location hosts expert discussion and may change
	// via the move command.
	IntakeStream   string `json:"intake_stream"`
	IntakeTopic    string `json:"intake_topic"`
	AnalysisStream string `json:"analysis_stream,omitempty"`
	AnalysisTopic  string `json:"analysis_topic,omitempty"`
	// DedicatedTopic marks the analysis topic as created for this one case,
	// which makes every message in it an implicit follow-up.
	DedicatedTopic bool `json:"dedicated_topic,omitempty"`

	// Routing: which route table entry selected the expert.
	RouteKey      string `json:"route_key,omitempty"`
	RoutePeer     string `json:"route_peer,omitempty"` // DM recipient when the route has no stream
	ExpertAgentID string `json:"expert_agent_id,omitempty"`
	PostAsAccount string `json:"post_as_account,omitempty"`

	// Card linkage: the single status message edited in place.
	CardMessageID          int64 `json:"card_message_id,omitempty"`
	AnalysisFirstMessageID int64 `json:"analysis_first_message_id,omitempty"`
	AnalysisLastMessageID  int64 `json:"analysis_last_message_id,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Active reports whether the case is still in the working set ("open" scope
// for list): anything an operator has not closed or relocated away.
func (c *Case) Active() bool {
	return c.Status == StatusOpen || c.Status == StatusInProgress || c.Status == StatusError
}
