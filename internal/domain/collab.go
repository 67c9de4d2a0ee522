package domain

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

type TicketRequest struct {
	Title       string
	Description string
	Priority    Priority
	Tags        []string
	Assignees   []string
}

type TicketRef struct {
	ID  string
	URL string
}

// IssueRef points at an issue in the source-control system.
type IssueRef struct {
	Number int
	URL    string
}

// Source-control issue states as reported back by IssueState.
const (
	IssueOpen   = "open"
	IssueClosed = "closed"
)
