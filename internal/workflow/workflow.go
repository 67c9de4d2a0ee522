package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"triagebot/internal/classify"
	"triagebot/internal/domain"
	"triagebot/internal/logger"
	"triagebot/internal/storage"
	"triagebot/internal/tracker"
)

var (
	ErrEmptyReport = classify.ErrEmptyReport
	ErrNotFound    = tracker.ErrNotFound

	ErrUnknownVerdict = errors.New("unknown feedback verdict")
)

type Ticketing interface {
	CreateTicket(ctx context.Context, req domain.TicketRequest) (domain.TicketRef, error)
	UpdateTicket(ctx context.Context, id string, fields map[string]any) error
}

type IssueCreator interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (domain.IssueRef, error)
}

// IssueStateReader is implemented by source-control clients that can report
// whether a handoff issue has been closed.
type IssueStateReader interface {
	IssueState(ctx context.Context, repo string, number int) (string, error)
}

type Notifier interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) error
}

// ReportSource yields reports submitted since a point in time for the daily pass.
type ReportSource interface {
	ReportsSince(ctx context.Context, since time.Time) ([]domain.Report, error)
}

// Deps are the collaborators. Any of Tickets, Issues, Notifier, Source and Runs
// may be nil; the matching steps are skipped.
type Deps struct {
	Classifier *classify.Classifier
	Tracker    *tracker.Tracker
	Tickets    Ticketing
	Issues     IssueCreator
	Notifier   Notifier
	Source     ReportSource
	Runs       storage.RunStore
}

type Settings struct {
	TeamChannel  string
	OnCallID     string
	AdminIDs     []string
	InfraIDs     []string
	CodegenRepo  string
	CodegenLabel string
	DocsURL      string

	// TicketAssignees maps Slack user IDs to ticketing user IDs.
	TicketAssignees map[string]string

	MinutesPerDuplicate int
	MinutesPerEducation int

	// CallsPerSecond paces external calls. Zero means unlimited.
	CallsPerSecond float64
	CallTimeout    time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.CodegenLabel == "" {
		s.CodegenLabel = "ai-codegen"
	}
	if s.MinutesPerDuplicate <= 0 {
		s.MinutesPerDuplicate = 15
	}
	if s.MinutesPerEducation <= 0 {
		s.MinutesPerEducation = 20
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 30 * time.Second
	}
	if len(s.InfraIDs) == 0 {
		s.InfraIDs = s.AdminIDs
	}
	return s
}

type Notification struct {
	Channel   string `json:"channel"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Text      string `json:"text"`
	Delivered bool   `json:"delivered"`
}

// Outcome is what happened to one report.
type Outcome struct {
	RecordID       string                 `json:"record_id,omitempty"`
	TrackerAction  tracker.Action         `json:"tracker_action,omitempty"`
	Recommendation domain.Action          `json:"recommendation,omitempty"`
	Classification *domain.Classification `json:"classification,omitempty"`
	State          domain.State           `json:"state,omitempty"`
	TicketID       string                 `json:"ticket_id,omitempty"`
	TicketURL      string                 `json:"ticket_url,omitempty"`
	IssueNumber    int                    `json:"issue_number,omitempty"`
	IssueURL       string                 `json:"issue_url,omitempty"`
	Notifications  []Notification         `json:"notifications,omitempty"`
	NotFound       bool                   `json:"not_found,omitempty"`
	Redelivered    bool                   `json:"redelivered,omitempty"`
	Partial        bool                   `json:"partial"`
	Errors         []string               `json:"errors,omitempty"`
}

func (o *Outcome) fail(step string, err error) {
	o.Partial = true
	o.Errors = append(o.Errors, fmt.Sprintf("%s: %v", step, err))
	logger.Warnf("workflow step failed record=%s step=%s err=%v", o.RecordID, step, err)
}

type Orchestrator struct {
	deps     Deps
	settings Settings
	limiter  *rate.Limiter
	now      func() time.Time
}

func New(deps Deps, settings Settings) *Orchestrator {
	settings = settings.withDefaults()
	limit := rate.Inf
	burst := 1
	if settings.CallsPerSecond > 0 {
		limit = rate.Limit(settings.CallsPerSecond)
		burst = int(settings.CallsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Orchestrator{
		deps:     deps,
		settings: settings,
		limiter:  rate.NewLimiter(limit, burst),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process classifies, deduplicates and routes one report. Collaborator
// failures degrade the outcome; only invalid input and store failures return
// an error.
func (o *Orchestrator) Process(ctx context.Context, report domain.Report) (Outcome, error) {
	if strings.TrimSpace(report.Text) == "" {
		return Outcome{}, ErrEmptyReport
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = o.now()
	}

	cls, err := o.deps.Classifier.Classify(ctx, report.Text, report.UserContext(), report.Urgent)
	if err != nil {
		return Outcome{}, err
	}
	res, err := o.deps.Tracker.TrackIssue(ctx, report, cls)
	if err != nil {
		return Outcome{}, fmt.Errorf("tracking report: %w", err)
	}

	out := Outcome{
		RecordID:       res.Record.ID,
		TrackerAction:  res.Action,
		Recommendation: cls.Action,
		Classification: &cls,
		State:          res.Record.State,
		TicketID:       res.Record.Refs.TicketID,
		TicketURL:      res.Record.Refs.TicketURL,
		IssueNumber:    res.Record.Refs.PRNumber,
		IssueURL:       res.Record.Refs.PRURL,
		Redelivered:    res.Redelivered,
	}
	logger.Infof("workflow process record=%s tracker=%s action=%s author=%s", out.RecordID, res.Action, cls.Action, report.AuthorID)

	if res.Redelivered {
		return out, nil
	}
	if !res.ShouldProceed {
		o.notifyTracked(ctx, &out, report, res)
		return out, nil
	}

	rec, err := o.deps.Tracker.MarkAnalyzed(ctx, res.Record.ID, cls)
	if err != nil {
		return out, fmt.Errorf("marking %s analyzed: %w", res.Record.ID, err)
	}
	out.State = rec.State

	target, refs := o.dispatch(ctx, &out, rec, cls, report)
	updated, err := o.deps.Tracker.Transition(ctx, rec.ID, target, refs)
	if err != nil {
		out.fail("record state", err)
		return out, nil
	}
	out.State = updated.State
	return out, nil
}

// dispatch runs exactly one remediation workflow and returns the state the
// record should move to along with any refs it produced.
func (o *Orchestrator) dispatch(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report) (domain.State, domain.ExternalRefs) {
	switch cls.Action {
	case domain.ActionAICodeAnalysis:
		return o.runAICode(ctx, out, rec, cls, report)
	case domain.ActionUserEducation:
		return o.runEducation(ctx, out, rec, cls, report)
	case domain.ActionAdminInvestigation:
		return o.runAdminReview(ctx, out, rec, cls, report, string(domain.CategoryAdminConfig), o.settings.AdminIDs)
	case domain.ActionInfrastructure:
		return o.runAdminReview(ctx, out, rec, cls, report, string(domain.CategoryInfrastructure), o.settings.InfraIDs)
	case domain.ActionEmergencyReview:
		return o.runEmergency(ctx, out, rec, cls, report)
	default:
		return o.runTriage(ctx, out, rec, cls, report)
	}
}

// pace waits for the rate limiter before an external call.
func (o *Orchestrator) pace(ctx context.Context) error {
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.settings.CallTimeout)
}

func (o *Orchestrator) createTicket(ctx context.Context, out *Outcome, req domain.TicketRequest) (domain.TicketRef, bool) {
	if o.deps.Tickets == nil {
		return domain.TicketRef{}, false
	}
	if err := o.pace(ctx); err != nil {
		out.fail("create ticket", err)
		return domain.TicketRef{}, false
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	ref, err := o.deps.Tickets.CreateTicket(callCtx, req)
	if err != nil {
		out.fail("create ticket", err)
		return domain.TicketRef{}, false
	}
	out.TicketID = ref.ID
	out.TicketURL = ref.URL
	return ref, true
}

// notify posts text and records the notification on the outcome. A missing
// notifier or channel is not a failure.
func (o *Orchestrator) notify(ctx context.Context, out *Outcome, channel, threadTS, text string) bool {
	if channel == "" {
		return false
	}
	n := Notification{Channel: channel, ThreadTS: threadTS, Text: text}
	if o.deps.Notifier != nil {
		err := o.pace(ctx)
		if err == nil {
			callCtx, cancel := o.callContext(ctx)
			err = o.deps.Notifier.PostMessage(callCtx, channel, text, threadTS)
			cancel()
		}
		if err != nil {
			out.fail("notify "+channel, err)
		} else {
			n.Delivered = true
		}
	}
	out.Notifications = append(out.Notifications, n)
	return n.Delivered
}

func (o *Orchestrator) replyToReporter(ctx context.Context, out *Outcome, report domain.Report, text string) bool {
	if report.MessageTS == "" {
		return false
	}
	return o.notify(ctx, out, report.ChannelID, report.MessageTS, text)
}

func (o *Orchestrator) notifyTracked(ctx context.Context, out *Outcome, report domain.Report, res tracker.TrackResult) {
	rec := res.Record
	switch res.Action {
	case tracker.ActionDuplicateDetected:
		o.replyToReporter(ctx, out, report, duplicateMessage(rec))
	case tracker.ActionReminderSent:
		o.replyToReporter(ctx, out, report, duplicateMessage(rec))
		o.notify(ctx, out, o.settings.TeamChannel, "", reminderMessage(rec))
	case tracker.ActionEscalated:
		o.replyToReporter(ctx, out, report, escalatedReporterMessage(rec))
		o.notify(ctx, out, o.settings.TeamChannel, "", escalatedTeamMessage(rec, o.now()))
	}
}

// Health reports which capabilities are configured. It makes no live calls.
type Health struct {
	Classifier bool `json:"classifier"`
	Estimator  bool `json:"estimator"`
	Store      bool `json:"store"`
	Tickets    bool `json:"tickets"`
	Issues     bool `json:"issues"`
	Notifier   bool `json:"notifier"`
	Source     bool `json:"source"`
}

func (h Health) OK() bool {
	return h.Classifier && h.Store
}

func (o *Orchestrator) Health() Health {
	return Health{
		Classifier: o.deps.Classifier != nil,
		Estimator:  o.deps.Classifier != nil && o.deps.Classifier.HasEstimator(),
		Store:      o.deps.Tracker != nil,
		Tickets:    o.deps.Tickets != nil,
		Issues:     o.deps.Issues != nil && o.settings.CodegenRepo != "",
		Notifier:   o.deps.Notifier != nil,
		Source:     o.deps.Source != nil,
	}
}

// Feedback applies a reporter or reviewer verdict to the record behind a chat
// message. "invalid" marks the record invalid and "resolved" closes it.
func (o *Orchestrator) Feedback(ctx context.Context, channelID, messageTS, verdict string) (Outcome, error) {
	var target domain.State
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "invalid":
		target = domain.StateInvalid
	case "resolved", "closed":
		target = domain.StateClosed
	default:
		return Outcome{}, fmt.Errorf("%w %q", ErrUnknownVerdict, verdict)
	}

	rec, err := o.deps.Tracker.FindByMessage(ctx, channelID, messageTS)
	if errors.Is(err, ErrNotFound) {
		return Outcome{NotFound: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("finding record for %s/%s: %w", channelID, messageTS, err)
	}

	updated, err := o.deps.Tracker.Transition(ctx, rec.ID, target, domain.ExternalRefs{})
	if err != nil {
		return Outcome{RecordID: rec.ID, State: rec.State}, err
	}
	out := Outcome{
		RecordID:  updated.ID,
		State:     updated.State,
		TicketID:  updated.Refs.TicketID,
		TicketURL: updated.Refs.TicketURL,
	}
	logger.Infof("workflow feedback record=%s verdict=%s", rec.ID, target)

	if o.deps.Tickets != nil && updated.Refs.TicketID != "" {
		err := o.pace(ctx)
		if err == nil {
			callCtx, cancel := o.callContext(ctx)
			err = o.deps.Tickets.UpdateTicket(callCtx, updated.Refs.TicketID, map[string]any{"status": "closed"})
			cancel()
		}
		if err != nil {
			out.fail("update ticket", err)
		}
	}
	o.notify(ctx, &out, channelID, messageTS, feedbackMessage(target))
	return out, nil
}
