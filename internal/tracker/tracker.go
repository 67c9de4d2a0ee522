package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/fingerprint"
	"triagebot/internal/logger"
	"triagebot/internal/storage"
)

type Action string

const (
	ActionNewIssue          Action = "new_issue"
	ActionDuplicateDetected Action = "duplicate_detected"
	ActionReminderSent      Action = "reminder_sent"
	ActionEscalated         Action = "escalated"
	ActionRetryProcessing   Action = "retry_processing"
)

var (
	ErrNotFound          = storage.ErrNotFound
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Thresholds is the time-in-state after which a record counts as stuck.
type Thresholds struct {
	TicketCreated time.Duration
	Analyzed      time.Duration
	PRCreated     time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TicketCreated: 24 * time.Hour,
		Analyzed:      48 * time.Hour,
		PRCreated:     72 * time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.TicketCreated <= 0 {
		t.TicketCreated = d.TicketCreated
	}
	if t.Analyzed <= 0 {
		t.Analyzed = d.Analyzed
	}
	if t.PRCreated <= 0 {
		t.PRCreated = d.PRCreated
	}
	return t
}

type TrackResult struct {
	ShouldProceed bool
	Action        Action
	Record        domain.IssueRecord
	// Redelivered is set when the same chat message was already tracked.
	Redelivered   bool
}

type Tracker struct {
	store      storage.Store
	engine     fingerprint.Engine
	thresholds Thresholds
	locks      keyedMutex
	now        func() time.Time
	newID      func() string
}

func New(store storage.Store, engine fingerprint.Engine, thresholds Thresholds) *Tracker {
	return &Tracker{
		store:      store,
		engine:     engine,
		thresholds: thresholds.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

func (t *Tracker) Thresholds() Thresholds {
	return t.thresholds
}

// TrackIssue fingerprints the report and either opens a new record or
// resolves it against the active record it duplicates.
func (t *Tracker) TrackIssue(ctx context.Context, report domain.Report, cls domain.Classification) (TrackResult, error) {
	fp := t.engine.Fingerprint(report)
	unlock := t.locks.Lock(fp.ContentHash)
	defer unlock()

	if report.MessageTS != "" {
		seen, err := t.store.FindByMessage(ctx, report.ChannelID, report.MessageTS)
		if err == nil {
			return t.resolveRedelivery(ctx, seen)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return TrackResult{}, fmt.Errorf("lookup message %s/%s: %w", report.ChannelID, report.MessageTS, err)
		}
	}

	existing, err := t.store.FindActive(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return t.create(ctx, fp, report, cls)
	}
	if err != nil {
		return TrackResult{}, fmt.Errorf("lookup fingerprint %s: %w", fp.Key(), err)
	}
	return t.resolveMatch(ctx, existing, report)
}

func (t *Tracker) create(ctx context.Context, fp domain.Fingerprint, report domain.Report, cls domain.Classification) (TrackResult, error) {
	now := t.now()
	rec := domain.IssueRecord{
		ID:             t.newID(),
		Fingerprint:    fp,
		Report:         report,
		Classification: domain.SnapshotOf(cls),
		State:          domain.StateNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := t.store.Create(ctx, rec)
	if errors.Is(err, storage.ErrConflict) {
		// Another writer won the race for this fingerprint.
		winner, ferr := t.store.FindActive(ctx, fp)
		if ferr != nil {
			return TrackResult{}, fmt.Errorf("re-read after conflict on %s: %w", fp.Key(), ferr)
		}
		return t.resolveMatch(ctx, winner, report)
	}
	if err != nil {
		return TrackResult{}, fmt.Errorf("create record for %s: %w", fp.Key(), err)
	}
	logger.Infof("tracker new record id=%s key=%s", rec.ID, fp.Key())
	return TrackResult{ShouldProceed: true, Action: ActionNewIssue, Record: rec}, nil
}

func (t *Tracker) resolveMatch(ctx context.Context, rec domain.IssueRecord, report domain.Report) (TrackResult, error) {
	now := t.now()
	elapsed := now.Sub(rec.UpdatedAt)

	if report.MessageTS != "" && (report.ChannelID != rec.Report.ChannelID || report.MessageTS != rec.Report.MessageTS) {
		if err := t.store.AddMention(ctx, rec.ID, report); err != nil {
			logger.Warnf("tracker add mention failed id=%s err=%v", rec.ID, err)
		}
	}

	switch rec.State {
	case domain.StatePRCreated, domain.StateUnderReview:
		if elapsed > t.thresholds.PRCreated {
			rec = remind(rec, now)
			if err := t.store.Upsert(ctx, rec); err != nil {
				return TrackResult{}, fmt.Errorf("record reminder for %s: %w", rec.ID, err)
			}
			logger.Infof("tracker reminder id=%s count=%d", rec.ID, rec.Refs.ReminderCount)
			return TrackResult{Action: ActionReminderSent, Record: rec}, nil
		}
	case domain.StateTicketCreated:
		if elapsed > t.thresholds.TicketCreated {
			rec = escalate(rec, now, "tracker")
			if err := t.store.Upsert(ctx, rec); err != nil {
				return TrackResult{}, fmt.Errorf("escalate %s: %w", rec.ID, err)
			}
			logger.Infof("tracker escalated id=%s elapsed=%s", rec.ID, elapsed.Round(time.Minute))
			return TrackResult{Action: ActionEscalated, Record: rec}, nil
		}
	case domain.StateAnalyzed:
		if elapsed >= t.thresholds.Analyzed {
			return t.retry(ctx, rec, now)
		}
	}

	// updated_at tracks time-in-state, so annotating a duplicate leaves it alone.
	rec.DuplicateCount++
	if err := t.store.Upsert(ctx, rec); err != nil {
		return TrackResult{}, fmt.Errorf("annotate duplicate on %s: %w", rec.ID, err)
	}
	logger.Infof("tracker duplicate id=%s state=%s count=%d", rec.ID, rec.State, rec.DuplicateCount)
	return TrackResult{Action: ActionDuplicateDetected, Record: rec}, nil
}

// resolveRedelivery handles a message that is already linked to a record,
// terminal or not. Only the analyzed retry proceeds; nothing is counted.
func (t *Tracker) resolveRedelivery(ctx context.Context, rec domain.IssueRecord) (TrackResult, error) {
	now := t.now()
	if rec.State == domain.StateAnalyzed && now.Sub(rec.UpdatedAt) >= t.thresholds.Analyzed {
		return t.retry(ctx, rec, now)
	}
	logger.Infof("tracker redelivered id=%s state=%s", rec.ID, rec.State)
	return TrackResult{Action: ActionDuplicateDetected, Record: rec, Redelivered: true}, nil
}

func (t *Tracker) retry(ctx context.Context, rec domain.IssueRecord, now time.Time) (TrackResult, error) {
	elapsed := now.Sub(rec.UpdatedAt)
	rec.State = domain.StateNew
	rec.UpdatedAt = now
	if err := t.store.Upsert(ctx, rec); err != nil {
		return TrackResult{}, fmt.Errorf("reset %s for retry: %w", rec.ID, err)
	}
	logger.Infof("tracker retry id=%s elapsed=%s", rec.ID, elapsed.Round(time.Minute))
	return TrackResult{ShouldProceed: true, Action: ActionRetryProcessing, Record: rec}, nil
}

func remind(rec domain.IssueRecord, now time.Time) domain.IssueRecord {
	rec.Refs.ReminderCount++
	rec.Refs.LastReminderAt = now
	return rec
}

func escalate(rec domain.IssueRecord, now time.Time, by string) domain.IssueRecord {
	rec.State = domain.StateEscalated
	rec.Refs.EscalatedAt = now
	rec.Refs.EscalatedBy = by
	rec.UpdatedAt = now
	return rec
}

// GetStuckIssues returns records whose time in analyzed, ticket_created or
// pr_created exceeds the configured threshold, oldest first within each state.
func (t *Tracker) GetStuckIssues(ctx context.Context, now time.Time) ([]domain.IssueRecord, error) {
	checks := []struct {
		state     domain.State
		threshold time.Duration
	}{
		{domain.StateAnalyzed, t.thresholds.Analyzed},
		{domain.StateTicketCreated, t.thresholds.TicketCreated},
		{domain.StatePRCreated, t.thresholds.PRCreated},
	}
	var stuck []domain.IssueRecord
	for _, c := range checks {
		recs, err := t.store.ListStale(ctx, c.state, now.Add(-c.threshold))
		if err != nil {
			return nil, fmt.Errorf("list stale %s: %w", c.state, err)
		}
		stuck = append(stuck, recs...)
	}
	return stuck, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (domain.IssueRecord, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) FindByMessage(ctx context.Context, channelID, messageTS string) (domain.IssueRecord, error) {
	return t.store.FindByMessage(ctx, channelID, messageTS)
}

// ListInState returns every record currently in state.
func (t *Tracker) ListInState(ctx context.Context, state domain.State) ([]domain.IssueRecord, error) {
	return t.store.ListStale(ctx, state, t.now().Add(time.Second))
}

func (t *Tracker) Counts(ctx context.Context) (map[domain.State]int, error) {
	return t.store.CountByState(ctx)
}

// update runs fn on the latest copy of the record while holding its
// fingerprint lock and writes the result back.
func (t *Tracker) update(ctx context.Context, id string, fn func(rec domain.IssueRecord, now time.Time) (domain.IssueRecord, error)) (domain.IssueRecord, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return domain.IssueRecord{}, err
	}
	unlock := t.locks.Lock(rec.Fingerprint.ContentHash)
	defer unlock()

	rec, err = t.store.Get(ctx, id)
	if err != nil {
		return domain.IssueRecord{}, err
	}
	rec, err = fn(rec, t.now())
	if err != nil {
		return domain.IssueRecord{}, err
	}
	if err := t.store.Upsert(ctx, rec); err != nil {
		return domain.IssueRecord{}, fmt.Errorf("save %s: %w", id, err)
	}
	return rec, nil
}

// Transition moves a record to a new state and merges any refs supplied.
func (t *Tracker) Transition(ctx context.Context, id string, to domain.State, refs domain.ExternalRefs) (domain.IssueRecord, error) {
	return t.update(ctx, id, func(rec domain.IssueRecord, now time.Time) (domain.IssueRecord, error) {
		if err := domain.CanTransition(rec.State, to); err != nil {
			return rec, fmt.Errorf("%w: %s: %v", ErrInvalidTransition, id, err)
		}
		if to == domain.StateEscalated && rec.State != domain.StateEscalated {
			by := refs.EscalatedBy
			if by == "" {
				by = "manual"
			}
			rec = escalate(rec, now, by)
		}
		rec.Refs.Merge(refs)
		rec.State = to
		rec.UpdatedAt = now
		logger.Infof("tracker transition id=%s state=%s", id, to)
		return rec, nil
	})
}

// MarkAnalyzed stores the classification snapshot and moves the record to analyzed.
func (t *Tracker) MarkAnalyzed(ctx context.Context, id string, cls domain.Classification) (domain.IssueRecord, error) {
	return t.update(ctx, id, func(rec domain.IssueRecord, now time.Time) (domain.IssueRecord, error) {
		if err := domain.CanTransition(rec.State, domain.StateAnalyzed); err != nil {
			return rec, fmt.Errorf("%w: %s: %v", ErrInvalidTransition, id, err)
		}
		rec.Classification = domain.SnapshotOf(cls)
		rec.State = domain.StateAnalyzed
		rec.UpdatedAt = now
		return rec, nil
	})
}

// Escalate moves a stuck record to escalated from the daily sweep.
func (t *Tracker) Escalate(ctx context.Context, id, by string) (domain.IssueRecord, error) {
	return t.update(ctx, id, func(rec domain.IssueRecord, now time.Time) (domain.IssueRecord, error) {
		if rec.State.Terminal() {
			return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rec.State)
		}
		return escalate(rec, now, by), nil
	})
}

// Remind records a reminder without changing state or time-in-state.
func (t *Tracker) Remind(ctx context.Context, id string) (domain.IssueRecord, error) {
	return t.update(ctx, id, func(rec domain.IssueRecord, now time.Time) (domain.IssueRecord, error) {
		if rec.State.Terminal() {
			return rec, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rec.State)
		}
		return remind(rec, now), nil
	})
}
