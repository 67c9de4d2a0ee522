package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
)

func (o *Orchestrator) runAICode(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report) (domain.State, domain.ExternalRefs) {
	var refs domain.ExternalRefs
	if ticket, ok := o.createTicket(ctx, out, domain.TicketRequest{
		Title:       ticketTitle("Defect", report.Text),
		Description: ticketDescription(rec, cls, report),
		Priority:    domain.PriorityHigh,
		Tags:        []string{"triagebot", string(domain.CategoryCodeBug)},
	}); ok {
		refs.TicketID, refs.TicketURL = ticket.ID, ticket.URL
	}

	target := domain.StateTicketCreated
	if o.deps.Issues != nil && o.settings.CodegenRepo != "" {
		issue, err := o.createHandoffIssue(ctx, rec, cls, report, refs)
		if err != nil {
			out.fail("code generation handoff", err)
		} else {
			refs.PRNumber, refs.PRURL = issue.Number, issue.URL
			out.IssueNumber, out.IssueURL = issue.Number, issue.URL
			target = domain.StateCodeGenerated
		}
	}

	msg := "Thanks, this looks like a defect. It has been filed"
	if refs.TicketURL != "" {
		msg += " as " + refs.TicketURL
	}
	if refs.PRURL != "" {
		msg += " and handed to automated code analysis (" + refs.PRURL + ")"
	}
	o.replyToReporter(ctx, out, report, msg+".")
	return target, refs
}

func (o *Orchestrator) createHandoffIssue(ctx context.Context, rec domain.IssueRecord, cls domain.Classification, report domain.Report, refs domain.ExternalRefs) (domain.IssueRef, error) {
	if err := o.pace(ctx); err != nil {
		return domain.IssueRef{}, err
	}
	body := ticketDescription(rec, cls, report)
	if refs.TicketURL != "" {
		body += "\nTicket: " + refs.TicketURL + "\n"
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	return o.deps.Issues.CreateIssue(callCtx, o.settings.CodegenRepo, ticketTitle("Defect", report.Text), body,
		[]string{o.settings.CodegenLabel, "bug"})
}

func (o *Orchestrator) runEducation(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report) (domain.State, domain.ExternalRefs) {
	replied := o.replyToReporter(ctx, out, report, educationMessage(cls, o.settings.DocsURL))

	var refs domain.ExternalRefs
	if ticket, ok := o.createTicket(ctx, out, domain.TicketRequest{
		Title:       ticketTitle("Question", report.Text),
		Description: ticketDescription(rec, cls, report),
		Priority:    domain.PriorityLow,
		Tags:        []string{"triagebot", string(domain.CategoryHumanError), "education"},
	}); ok {
		refs.TicketID, refs.TicketURL = ticket.ID, ticket.URL
	}
	if replied {
		return domain.StateClosed, refs
	}
	return domain.StateTicketCreated, refs
}

// runAdminReview files an investigation ticket for the admins. Infrastructure
// reports take the same path with their own tag and assignees.
func (o *Orchestrator) runAdminReview(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report, tag string, assignees []string) (domain.State, domain.ExternalRefs) {
	var refs domain.ExternalRefs
	if ticket, ok := o.createTicket(ctx, out, domain.TicketRequest{
		Title:       ticketTitle("Admin review", report.Text),
		Description: ticketDescription(rec, cls, report),
		Priority:    domain.PriorityNormal,
		Tags:        []string{"triagebot", tag},
		Assignees:   o.ticketAssignees(assignees...),
	}); ok {
		refs.TicketID, refs.TicketURL = ticket.ID, ticket.URL
	}
	if tag == string(domain.CategoryInfrastructure) {
		o.notify(ctx, out, o.settings.TeamChannel, "", fmt.Sprintf("Possible infrastructure issue reported by %s: %s%s",
			reporterRef(report), excerpt(report.Text, 200), linkSuffix(refs.TicketURL)))
	}
	o.replyToReporter(ctx, out, report, "Thanks, an administrator will look into this"+linkSuffix(refs.TicketURL)+".")
	return domain.StateTicketCreated, refs
}

func (o *Orchestrator) runTriage(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report) (domain.State, domain.ExternalRefs) {
	var refs domain.ExternalRefs
	if ticket, ok := o.createTicket(ctx, out, domain.TicketRequest{
		Title:       ticketTitle("Triage", report.Text),
		Description: ticketDescription(rec, cls, report),
		Priority:    domain.PriorityNormal,
		Tags:        []string{"triagebot", "needs-triage"},
	}); ok {
		refs.TicketID, refs.TicketURL = ticket.ID, ticket.URL
	}
	o.replyToReporter(ctx, out, report, "Thanks, a person from the team will take a look"+linkSuffix(refs.TicketURL)+".")
	return domain.StateTicketCreated, refs
}

func (o *Orchestrator) runEmergency(ctx context.Context, out *Outcome, rec domain.IssueRecord, cls domain.Classification, report domain.Report) (domain.State, domain.ExternalRefs) {
	refs := domain.ExternalRefs{EscalatedBy: "emergency-review"}
	if ticket, ok := o.createTicket(ctx, out, domain.TicketRequest{
		Title:       ticketTitle("URGENT", report.Text),
		Description: ticketDescription(rec, cls, report),
		Priority:    domain.PriorityUrgent,
		Tags:        []string{"triagebot", "urgent"},
		Assignees:   o.ticketAssignees(o.settings.OnCallID),
	}); ok {
		refs.TicketID, refs.TicketURL = ticket.ID, ticket.URL
	}
	page := fmt.Sprintf("Urgent report from %s needs a human now: %s%s", reporterRef(report), excerpt(report.Text, 300), linkSuffix(refs.TicketURL))
	if o.settings.OnCallID != "" {
		o.notify(ctx, out, o.settings.OnCallID, "", page)
	}
	o.notify(ctx, out, o.settings.TeamChannel, "", page)
	o.replyToReporter(ctx, out, report, "This has been flagged as urgent and the on-call engineer has been paged.")
	return domain.StateEscalated, refs
}

// educationHelp holds the canned replies per signal type, most specific first.
var educationHelp = []struct {
	signal string
	text   string
}{
	{"navigation", "Most screens are reachable from the main menu; the search box at the top also finds pages by name."},
	{"how_to", "There is a step-by-step guide for this in the help center."},
	{"confusion", "This behaviour is expected, and the help center explains how it works."},
}

func educationMessage(cls domain.Classification, docsURL string) string {
	text := "Thanks for asking! This looks like a how-to question rather than a bug."
	for _, h := range educationHelp {
		if cls.SignalMatches[h.signal] > 0 {
			text += " " + h.text
			break
		}
	}
	if docsURL != "" {
		text += " Docs: " + docsURL
	}
	return text
}

func ticketTitle(prefix, text string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(text), "\n", 2)[0])
	return fmt.Sprintf("[%s] %s", prefix, excerpt(line, 80))
}

func ticketDescription(rec domain.IssueRecord, cls domain.Classification, report domain.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reported by %s", reporterRef(report))
	if report.ChannelID != "" {
		fmt.Fprintf(&b, " in <#%s>", report.ChannelID)
	}
	fmt.Fprintf(&b, " at %s\n\n", report.ReportedAt.UTC().Format("2006-01-02 15:04 MST"))
	b.WriteString(strings.TrimSpace(report.Text))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Classification: %s (confidence %.2f, action %s)\n", cls.Category, cls.Confidence, cls.Action)

	cats := make([]string, 0, len(cls.Probabilities))
	for _, c := range domain.Categories {
		cats = append(cats, fmt.Sprintf("%s=%.1f", c, cls.Probabilities[c]))
	}
	fmt.Fprintf(&b, "Probabilities: %s\n", strings.Join(cats, " "))
	if len(cls.MissingEvidence) > 0 {
		missing := append([]string(nil), cls.MissingEvidence...)
		sort.Strings(missing)
		fmt.Fprintf(&b, "Missing evidence: %s\n", strings.Join(missing, ", "))
	}
	if len(cls.Reasoning) > 0 {
		b.WriteString("Reasoning:\n")
		for _, r := range cls.Reasoning {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	fmt.Fprintf(&b, "Record: %s\n", rec.ID)
	return b.String()
}

func duplicateMessage(rec domain.IssueRecord) string {
	msg := fmt.Sprintf("This looks like an issue we are already tracking (status: %s)", rec.State)
	if rec.Refs.TicketURL != "" {
		msg += ", see " + rec.Refs.TicketURL
	}
	return msg + ". No new ticket was opened."
}

func reminderMessage(rec domain.IssueRecord) string {
	ref := rec.Refs.PRURL
	if ref == "" {
		ref = rec.ID
	}
	return fmt.Sprintf("Reminder: %s has been waiting in %s since %s and was reported again (reminder #%d).",
		ref, rec.State, rec.UpdatedAt.UTC().Format("Jan 2"), rec.Refs.ReminderCount)
}

func escalatedReporterMessage(rec domain.IssueRecord) string {
	return "This issue is already open and has been waiting too long, so it was escalated to the team" + linkSuffix(rec.Refs.TicketURL) + "."
}

func escalatedTeamMessage(rec domain.IssueRecord, now time.Time) string {
	ref := rec.Refs.TicketURL
	if ref == "" {
		ref = rec.ID
	}
	return fmt.Sprintf("Escalated: %s is stuck without progress (escalated %s): %s", ref, now.Format("Jan 2 15:04"), excerpt(rec.Report.Text, 200))
}

func feedbackMessage(state domain.State) string {
	if state == domain.StateInvalid {
		return "Marked as invalid. Thanks for the feedback."
	}
	return "Marked as resolved. Thanks for confirming."
}

func reporterRef(report domain.Report) string {
	if report.AuthorID != "" {
		return "<@" + report.AuthorID + ">"
	}
	if report.AuthorName != "" {
		return report.AuthorName
	}
	return "unknown reporter"
}

func linkSuffix(url string) string {
	if url == "" {
		return ""
	}
	return " (" + url + ")"
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

// ticketAssignees translates Slack user IDs into ticketing user IDs. People
// without a mapping are left off the ticket.
func (o *Orchestrator) ticketAssignees(slackIDs ...string) []string {
	var out []string
	for _, id := range slackIDs {
		if id == "" {
			continue
		}
		if mapped, ok := o.settings.TicketAssignees[id]; ok {
			out = append(out, mapped)
			continue
		}
		logger.Debugf("workflow no ticket assignee mapping slack_id=%s", id)
	}
	return out
}
