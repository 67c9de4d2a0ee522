package domain

import (
	"fmt"
	"time"
)

type State string

const (
	StateNew           State = "new"
	StateAnalyzed      State = "analyzed"
	StateTicketCreated State = "ticket_created"
	StateCodeGenerated State = "code_generated"
	StatePRCreated     State = "pr_created"
	StateUnderReview   State = "under_review"
	StateMerged        State = "merged"
	StateClosed        State = "closed"
	StateDuplicate     State = "duplicate"
	StateInvalid       State = "invalid"
	StateEscalated     State = "escalated"
)

// stateRank orders the main lifecycle path. Side states have no rank.
var stateRank = map[State]int{
	StateNew:           0,
	StateAnalyzed:      1,
	StateTicketCreated: 2,
	StateCodeGenerated: 3,
	StatePRCreated:     4,
	StateUnderReview:   5,
	StateMerged:        6,
	StateClosed:        6,
}

// TerminalStates never match future reports.
var TerminalStates = []State{StateMerged, StateClosed, StateInvalid}

func (s State) Terminal() bool {
	for _, t := range TerminalStates {
		if s == t {
			return true
		}
	}
	return false
}

func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok || s == StateDuplicate || s == StateInvalid || s == StateEscalated
}

// CanTransition reports whether from -> to is allowed outside the tracker's own
// escalation and retry paths.
func CanTransition(from, to State) error {
	if !to.Valid() {
		return fmt.Errorf("unknown state %q", to)
	}
	if from.Terminal() {
		return fmt.Errorf("%s is terminal", from)
	}
	if from == to {
		return nil
	}
	switch to {
	case StateDuplicate, StateInvalid, StateEscalated:
		return nil
	}
	if from == StateEscalated || from == StateDuplicate {
		// A human picked the issue back up; any main-path state is fine.
		return nil
	}
	if from == StateAnalyzed && to == StateNew {
		return nil
	}
	if stateRank[to] <= stateRank[from] {
		return fmt.Errorf("%s -> %s moves backwards", from, to)
	}
	return nil
}

type Fingerprint struct {
	ContentHash string `json:"content_hash"`
	AuthorHash  string `json:"author_hash"`
	TimeBucket  int64  `json:"time_bucket"`
}

// Key is contentHash_authorHash_timeBucket.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s_%s_%d", f.ContentHash, f.AuthorHash, f.TimeBucket)
}

func (f Fingerprint) ContentKey() string {
	return f.ContentHash
}

func (f Fingerprint) ContentBucketKey() string {
	return fmt.Sprintf("%s_%d", f.ContentHash, f.TimeBucket)
}

// LookupKeys returns the lookup keys in match-priority order.
func (f Fingerprint) LookupKeys() []string {
	return []string{f.Key(), f.ContentKey(), f.ContentBucketKey()}
}

type ClassificationSnapshot struct {
	ID            string               `json:"id"`
	Category      Category             `json:"category"`
	Confidence    float64              `json:"confidence"`
	Action        Action               `json:"action"`
	Probabilities map[Category]float64 `json:"probabilities"`
}

func SnapshotOf(c Classification) ClassificationSnapshot {
	probs := make(map[Category]float64, len(c.Probabilities))
	for k, v := range c.Probabilities {
		probs[k] = v
	}
	return ClassificationSnapshot{
		ID:            c.ID,
		Category:      c.Category,
		Confidence:    c.Confidence,
		Action:        c.Action,
		Probabilities: probs,
	}
}

type ExternalRefs struct {
	TicketID       string    `json:"ticket_id,omitempty"`
	TicketURL      string    `json:"ticket_url,omitempty"`
	PRNumber       int       `json:"pr_number,omitempty"`
	PRURL          string    `json:"pr_url,omitempty"`
	EscalatedBy    string    `json:"escalated_by,omitempty"`
	EscalatedAt    time.Time `json:"escalated_at,omitempty"`
	ReminderCount  int       `json:"reminder_count,omitempty"`
	LastReminderAt time.Time `json:"last_reminder_at,omitempty"`
}

// Merge copies every non-zero field of other onto r.
func (r *ExternalRefs) Merge(other ExternalRefs) {
	if other.TicketID != "" {
		r.TicketID = other.TicketID
	}
	if other.TicketURL != "" {
		r.TicketURL = other.TicketURL
	}
	if other.PRNumber != 0 {
		r.PRNumber = other.PRNumber
	}
	if other.PRURL != "" {
		r.PRURL = other.PRURL
	}
	if other.EscalatedBy != "" {
		r.EscalatedBy = other.EscalatedBy
	}
	if !other.EscalatedAt.IsZero() {
		r.EscalatedAt = other.EscalatedAt
	}
	if other.ReminderCount != 0 {
		r.ReminderCount = other.ReminderCount
	}
	if !other.LastReminderAt.IsZero() {
		r.LastReminderAt = other.LastReminderAt
	}
}

type IssueRecord struct {
	ID             string
	Fingerprint    Fingerprint
	Report         Report
	Classification ClassificationSnapshot
	State          State
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Refs           ExternalRefs
	DuplicateCount int
}
