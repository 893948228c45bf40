package model

// IssueRequest is a canonical issue-creation request, derived
// deterministically from a ChatEvent and never mutated.
type IssueRequest struct {
	Title         string
	Body          string
	SourceEventID string
}

// TrackerIssue identifies an issue created on the tracker. The tracker owns
// the issue; the bridge only holds references to it.
type TrackerIssue struct {
	NodeID string `json:"node_id"`
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// BoardPlacement records where an issue landed on the project board.
type BoardPlacement struct {
	ProjectID string
	ItemID    string
	FieldID   string
	OptionID  string
}
