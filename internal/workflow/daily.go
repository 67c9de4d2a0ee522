package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
	"triagebot/internal/tracker"
)

const dailyRunName = "daily"

type DailySummary struct {
	Since        time.Time              `json:"since"`
	RunAt        time.Time              `json:"run_at"`
	Reports      int                    `json:"reports"`
	ByAction     map[tracker.Action]int `json:"by_tracker_action"`
	ByRoute      map[domain.Action]int  `json:"by_route"`
	Escalated    int                    `json:"escalated"`
	Reminders    int                    `json:"reminders"`
	Retried      int                    `json:"retried"`
	Synced       int                    `json:"synced"`
	Tracked      int                    `json:"already_tracked"`
	Partial      int                    `json:"partial"`
	Failed       int                    `json:"failed"`
	MinutesSaved int                    `json:"minutes_saved"`
	Errors       []string               `json:"errors,omitempty"`
}

func (s *DailySummary) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Errors = append(s.Errors, msg)
	logger.Warnf("workflow daily %s", msg)
}

func (s *DailySummary) count(out Outcome) {
	s.ByAction[out.TrackerAction]++
	if out.TrackerAction == tracker.ActionNewIssue || out.TrackerAction == tracker.ActionRetryProcessing {
		s.ByRoute[out.Recommendation]++
	}
	if out.Partial {
		s.Partial++
	}
}

// RunDaily is the scheduled pass: it processes reports submitted since the
// last successful run, syncs source-control handoffs, sweeps stuck issues,
// and posts a summary to the team channel.
func (o *Orchestrator) RunDaily(ctx context.Context) (DailySummary, error) {
	now := o.now()
	summary := DailySummary{
		RunAt:    now,
		Since:    now.Add(-24 * time.Hour),
		ByAction: make(map[tracker.Action]int),
		ByRoute:  make(map[domain.Action]int),
	}
	if o.deps.Runs != nil {
		last, err := o.deps.Runs.LastRun(ctx, dailyRunName)
		if err != nil {
			return summary, fmt.Errorf("reading last daily run: %w", err)
		}
		if !last.IsZero() {
			summary.Since = last
		}
	}
	logger.Infof("workflow daily start since=%s", summary.Since.Format(time.RFC3339))

	o.processSince(ctx, &summary)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	o.syncSourceControl(ctx, &summary)
	if err := o.sweepStuck(ctx, &summary); err != nil {
		return summary, err
	}

	summary.MinutesSaved = summary.ByAction[tracker.ActionDuplicateDetected]*o.settings.MinutesPerDuplicate +
		summary.ByRoute[domain.ActionUserEducation]*o.settings.MinutesPerEducation

	var sink Outcome
	o.notify(ctx, &sink, o.settings.TeamChannel, "", FormatDailySummary(summary))
	for _, e := range sink.Errors {
		summary.fail("%s", e)
	}

	if o.deps.Runs != nil {
		if err := o.deps.Runs.SetLastRun(ctx, dailyRunName, now); err != nil {
			return summary, fmt.Errorf("saving daily run: %w", err)
		}
	}
	logger.Infof("workflow daily done reports=%d escalated=%d reminders=%d retried=%d minutes_saved=%d",
		summary.Reports, summary.Escalated, summary.Reminders, summary.Retried, summary.MinutesSaved)
	return summary, nil
}

func (o *Orchestrator) processSince(ctx context.Context, summary *DailySummary) {
	if o.deps.Source == nil {
		return
	}
	reports, err := o.deps.Source.ReportsSince(ctx, summary.Since)
	if err != nil {
		summary.fail("reading reports: %v", err)
		return
	}
	for _, r := range reports {
		if r.MessageTS != "" {
			rec, err := o.deps.Tracker.FindByMessage(ctx, r.ChannelID, r.MessageTS)
			if err == nil {
				logger.Debugf("workflow daily skip tracked message=%s/%s record=%s", r.ChannelID, r.MessageTS, rec.ID)
				summary.Tracked++
				continue
			}
			if !errors.Is(err, tracker.ErrNotFound) {
				summary.Failed++
				summary.fail("lookup %s/%s: %v", r.ChannelID, r.MessageTS, err)
				continue
			}
		}
		if err := o.pace(ctx); err != nil {
			summary.fail("rate limiter: %v", err)
			return
		}
		out, err := o.Process(ctx, r)
		if errors.Is(err, ErrEmptyReport) {
			continue
		}
		summary.Reports++
		if err != nil {
			summary.Failed++
			summary.fail("report %s/%s: %v", r.ChannelID, r.MessageTS, err)
			continue
		}
		summary.count(out)
	}
}

// syncSourceControl closes records whose handoff issue was closed upstream.
func (o *Orchestrator) syncSourceControl(ctx context.Context, summary *DailySummary) {
	reader, ok := o.deps.Issues.(IssueStateReader)
	if !ok || o.settings.CodegenRepo == "" {
		return
	}
	for _, state := range []domain.State{domain.StateCodeGenerated, domain.StatePRCreated, domain.StateUnderReview} {
		recs, err := o.deps.Tracker.ListInState(ctx, state)
		if err != nil {
			summary.fail("listing %s: %v", state, err)
			continue
		}
		for _, rec := range recs {
			if rec.Refs.PRNumber == 0 {
				continue
			}
			if err := o.pace(ctx); err != nil {
				summary.fail("rate limiter: %v", err)
				return
			}
			callCtx, cancel := o.callContext(ctx)
			issueState, err := reader.IssueState(callCtx, o.settings.CodegenRepo, rec.Refs.PRNumber)
			cancel()
			if err != nil {
				summary.fail("issue state %d: %v", rec.Refs.PRNumber, err)
				continue
			}
			if issueState != domain.IssueClosed {
				continue
			}
			if _, err := o.deps.Tracker.Transition(ctx, rec.ID, domain.StateClosed, domain.ExternalRefs{}); err != nil {
				summary.fail("closing %s: %v", rec.ID, err)
				continue
			}
			summary.Synced++
		}
	}
}

func (o *Orchestrator) sweepStuck(ctx context.Context, summary *DailySummary) error {
	stuck, err := o.deps.Tracker.GetStuckIssues(ctx, o.now())
	if err != nil {
		return fmt.Errorf("listing stuck issues: %w", err)
	}
	for _, rec := range stuck {
		if err := o.pace(ctx); err != nil {
			summary.fail("rate limiter: %v", err)
			return nil
		}
		var sink Outcome
		switch rec.State {
		case domain.StateAnalyzed:
			out, err := o.Process(ctx, rec.Report)
			if err != nil {
				summary.Failed++
				summary.fail("retry %s: %v", rec.ID, err)
				continue
			}
			summary.Retried++
			summary.count(out)
		case domain.StateTicketCreated:
			updated, err := o.deps.Tracker.Escalate(ctx, rec.ID, "daily-sweep")
			if err != nil {
				summary.fail("escalate %s: %v", rec.ID, err)
				continue
			}
			summary.Escalated++
			o.notify(ctx, &sink, o.settings.TeamChannel, "", escalatedTeamMessage(updated, o.now()))
		case domain.StatePRCreated:
			updated, err := o.deps.Tracker.Remind(ctx, rec.ID)
			if err != nil {
				summary.fail("remind %s: %v", rec.ID, err)
				continue
			}
			summary.Reminders++
			o.notify(ctx, &sink, o.settings.TeamChannel, "", reminderMessage(updated))
		}
		for _, e := range sink.Errors {
			summary.fail("%s", e)
		}
	}
	return nil
}

// FormatDailySummary renders the summary for the team channel.
func FormatDailySummary(s DailySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily triage summary (%s to %s)\n", s.Since.Format("Jan 2 15:04"), s.RunAt.Format("Jan 2 15:04"))
	if s.Reports == 0 {
		b.WriteString("No new reports.\n")
	} else {
		var parts []string
		for _, a := range []tracker.Action{
			tracker.ActionNewIssue, tracker.ActionDuplicateDetected, tracker.ActionRetryProcessing,
			tracker.ActionReminderSent, tracker.ActionEscalated,
		} {
			if n := s.ByAction[a]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(a), "_", " ")))
			}
		}
		fmt.Fprintf(&b, "Reports: %d (%s)\n", s.Reports, strings.Join(parts, ", "))
	}

	if len(s.ByRoute) > 0 {
		routes := make([]string, 0, len(s.ByRoute))
		for a := range s.ByRoute {
			routes = append(routes, string(a))
		}
		sort.Strings(routes)
		var parts []string
		for _, r := range routes {
			parts = append(parts, fmt.Sprintf("%s %d", r, s.ByRoute[domain.Action(r)]))
		}
		fmt.Fprintf(&b, "Routed: %s\n", strings.Join(parts, ", "))
	}

	var sweep []string
	if s.Escalated > 0 {
		sweep = append(sweep, fmt.Sprintf("%d escalated", s.Escalated))
	}
	if s.Reminders > 0 {
		sweep = append(sweep, fmt.Sprintf("%d reminders", s.Reminders))
	}
	if s.Retried > 0 {
		sweep = append(sweep, fmt.Sprintf("%d retried", s.Retried))
	}
	if s.Synced > 0 {
		sweep = append(sweep, fmt.Sprintf("%d closed upstream", s.Synced))
	}
	if len(sweep) > 0 {
		fmt.Fprintf(&b, "Stuck issues: %s\n", strings.Join(sweep, ", "))
	}
	if s.MinutesSaved > 0 {
		fmt.Fprintf(&b, "Estimated time saved: %d min\n", s.MinutesSaved)
	}
	if s.Partial > 0 || s.Failed > 0 {
		fmt.Fprintf(&b, "Partial: %d, failed: %d\n", s.Partial, s.Failed)
	}
	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, "Warnings:\n%s\n", strings.Join(s.Errors, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}
