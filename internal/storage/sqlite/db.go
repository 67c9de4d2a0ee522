package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"triagebot/internal/domain"
	"triagebot/internal/storage"
)

type DB struct {
	db *sql.DB
}

var _ storage.Store = (*DB)(nil)
var _ storage.RunStore = (*DB)(nil)

func InitDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS issue_records (
		id                  TEXT PRIMARY KEY,
		content_hash        TEXT NOT NULL,
		author_hash         TEXT NOT NULL,
		time_bucket         INTEGER NOT NULL,
		full_key            TEXT NOT NULL,
		content_key         TEXT NOT NULL,
		content_bucket_key  TEXT NOT NULL,
		author_id           TEXT DEFAULT '',
		author_name         TEXT DEFAULT '',
		channel_id          TEXT DEFAULT '',
		message_ts          TEXT DEFAULT '',
		report_text         TEXT NOT NULL,
		reported_at         DATETIME NOT NULL,
		urgent              INTEGER NOT NULL DEFAULT 0,
		classification      TEXT DEFAULT '{}',
		state               TEXT NOT NULL,
		refs                TEXT DEFAULT '{}',
		duplicate_count     INTEGER NOT NULL DEFAULT 0,
		created_at          DATETIME NOT NULL,
		updated_at          DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ir_content_key ON issue_records(content_key);
	CREATE INDEX IF NOT EXISTS idx_ir_content_bucket_key ON issue_records(content_bucket_key);
	CREATE INDEX IF NOT EXISTS idx_ir_state_updated ON issue_records(state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_ir_message ON issue_records(channel_id, message_ts);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ir_active_full_key ON issue_records(full_key)
		WHERE state NOT IN ('merged', 'closed', 'invalid');

	CREATE TABLE IF NOT EXISTS issue_mentions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id   TEXT NOT NULL,
		author_id   TEXT DEFAULT '',
		channel_id  TEXT DEFAULT '',
		message_ts  TEXT DEFAULT '',
		reported_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_im_message ON issue_mentions(channel_id, message_ts);

	CREATE TABLE IF NOT EXISTS scheduler_runs (
		name     TEXT PRIMARY KEY,
		last_run DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

const recordColumns = `id, content_hash, author_hash, time_bucket, author_id, author_name, channel_id,
	message_ts, report_text, reported_at, urgent, classification, state, refs, duplicate_count,
	created_at, updated_at`

func terminalList() string {
	quoted := make([]string, 0, len(domain.TerminalStates))
	for _, s := range domain.TerminalStates {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.IssueRecord, error) {
	var (
		rec            domain.IssueRecord
		urgent         int
		classification string
		refs           string
		state          string
	)
	err := row.Scan(
		&rec.ID, &rec.Fingerprint.ContentHash, &rec.Fingerprint.AuthorHash, &rec.Fingerprint.TimeBucket,
		&rec.Report.AuthorID, &rec.Report.AuthorName, &rec.Report.ChannelID,
		&rec.Report.MessageTS, &rec.Report.Text, &rec.Report.ReportedAt, &urgent,
		&classification, &state, &refs, &rec.DuplicateCount,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Report.Urgent = urgent != 0
	rec.State = domain.State(state)
	if classification != "" {
		if err := json.Unmarshal([]byte(classification), &rec.Classification); err != nil {
			return rec, fmt.Errorf("decode classification for %s: %w", rec.ID, err)
		}
	}
	if refs != "" {
		if err := json.Unmarshal([]byte(refs), &rec.Refs); err != nil {
			return rec, fmt.Errorf("decode refs for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.IssueRecord, error) {
	defer rows.Close()
	var out []domain.IssueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (d *DB) Get(ctx context.Context, id string) (domain.IssueRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM issue_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	return rec, notFound(err)
}

func (d *DB) FindActive(ctx context.Context, fp domain.Fingerprint) (domain.IssueRecord, error) {
	lookups := []struct {
		column string
		key    string
	}{
		{"full_key", fp.Key()},
		{"content_key", fp.ContentKey()},
		{"content_bucket_key", fp.ContentBucketKey()},
	}
	for _, l := range lookups {
		row := d.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM issue_records
			 WHERE `+l.column+` = ? AND state NOT IN (`+terminalList()+`)
			 ORDER BY created_at DESC LIMIT 1`,
			l.key,
		)
		rec, err := scanRecord(row)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.IssueRecord{}, err
		}
	}
	return domain.IssueRecord{}, storage.ErrNotFound
}

func (d *DB) FindByMessage(ctx context.Context, channelID, messageTS string) (domain.IssueRecord, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM issue_records
		 WHERE id = COALESCE(
		   (SELECT id FROM issue_records WHERE channel_id = ? AND message_ts = ? ORDER BY created_at DESC LIMIT 1),
		   (SELECT record_id FROM issue_mentions WHERE channel_id = ? AND message_ts = ? ORDER BY id DESC LIMIT 1)
		 )`,
		channelID, messageTS, channelID, messageTS,
	)
	rec, err := scanRecord(row)
	return rec, notFound(err)
}

func (d *DB) ListStale(ctx context.Context, state domain.State, cutoff time.Time) ([]domain.IssueRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM issue_records
		 WHERE state = ? AND updated_at < ?
		 ORDER BY updated_at, id`,
		string(state), cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func recordArgs(rec domain.IssueRecord) ([]any, error) {
	classification, err := json.Marshal(rec.Classification)
	if err != nil {
		return nil, fmt.Errorf("encode classification: %w", err)
	}
	refs, err := json.Marshal(rec.Refs)
	if err != nil {
		return nil, fmt.Errorf("encode refs: %w", err)
	}
	urgent := 0
	if rec.Report.Urgent {
		urgent = 1
	}
	fp := rec.Fingerprint
	return []any{
		rec.ID, fp.ContentHash, fp.AuthorHash, fp.TimeBucket, fp.Key(), fp.ContentKey(), fp.ContentBucketKey(),
		rec.Report.AuthorID, rec.Report.AuthorName, rec.Report.ChannelID, rec.Report.MessageTS,
		rec.Report.Text, rec.Report.ReportedAt.UTC(), urgent, string(classification), string(rec.State),
		string(refs), rec.DuplicateCount, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	}, nil
}

const insertRecordSQL = `INSERT INTO issue_records
	(id, content_hash, author_hash, time_bucket, full_key, content_key, content_bucket_key,
	 author_id, author_name, channel_id, message_ts, report_text, reported_at, urgent,
	 classification, state, refs, duplicate_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (d *DB) Create(ctx context.Context, rec domain.IssueRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, insertRecordSQL, args...); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", storage.ErrConflict, rec.Fingerprint.Key())
		}
		return err
	}
	return nil
}

func (d *DB) Upsert(ctx context.Context, rec domain.IssueRecord) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, insertRecordSQL+`
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			author_hash = excluded.author_hash,
			time_bucket = excluded.time_bucket,
			full_key = excluded.full_key,
			content_key = excluded.content_key,
			content_bucket_key = excluded.content_bucket_key,
			author_id = excluded.author_id,
			author_name = excluded.author_name,
			channel_id = excluded.channel_id,
			message_ts = excluded.message_ts,
			report_text = excluded.report_text,
			reported_at = excluded.reported_at,
			urgent = excluded.urgent,
			classification = excluded.classification,
			state = excluded.state,
			refs = excluded.refs,
			duplicate_count = excluded.duplicate_count,
			updated_at = excluded.updated_at`,
		args...,
	)
	return err
}

func (d *DB) AddMention(ctx context.Context, recordID string, r domain.Report) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO issue_mentions (record_id, author_id, channel_id, message_ts, reported_at)
		 VALUES (?, ?, ?, ?, ?)`,
		recordID, r.AuthorID, r.ChannelID, r.MessageTS, r.ReportedAt.UTC(),
	)
	return err
}

func (d *DB) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM issue_records GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[domain.State(state)] = n
	}
	return out, rows.Err()
}

// --- Scheduler runs ---

func (d *DB) LastRun(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := d.db.QueryRowContext(ctx, `SELECT last_run FROM scheduler_runs WHERE name = ?`, name).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (d *DB) SetLastRun(ctx context.Context, name string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO scheduler_runs (name, last_run) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_run = excluded.last_run`,
		name, at.UTC(),
	)
	return err
}
