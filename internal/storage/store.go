package storage

import (
	"context"
	"errors"
	"time"

	"triagebot/internal/domain"
)

var (
	ErrNotFound = errors.New("issue record not found")
	// ErrConflict means another active record already owns the fingerprint.
	ErrConflict = errors.New("active issue record already exists for fingerprint")
)

// Store is the keyed IssueRecord store. Only non-terminal records are
// reachable through FindActive.
type Store interface {
	Get(ctx context.Context, id string) (domain.IssueRecord, error)
	// FindActive tries the full key, then the content key, then the
	// content+bucket key, and returns the first non-terminal match.
	FindActive(ctx context.Context, fp domain.Fingerprint) (domain.IssueRecord, error)
	// FindByMessage resolves a chat message (original or duplicate mention) to its record.
	FindByMessage(ctx context.Context, channelID, messageTS string) (domain.IssueRecord, error)
	// ListStale returns records in state whose last update is before cutoff.
	ListStale(ctx context.Context, state domain.State, cutoff time.Time) ([]domain.IssueRecord, error)
	// Create inserts a new record and returns ErrConflict if an active record
	// already holds the same full key.
	Create(ctx context.Context, rec domain.IssueRecord) error
	Upsert(ctx context.Context, rec domain.IssueRecord) error
	// AddMention links a later duplicate report to an existing record.
	AddMention(ctx context.Context, recordID string, r domain.Report) error
	CountByState(ctx context.Context) (map[domain.State]int, error)
}

// RunStore persists scheduler watermarks.
type RunStore interface {
	LastRun(ctx context.Context, name string) (time.Time, error)
	SetLastRun(ctx context.Context, name string, at time.Time) error
}
