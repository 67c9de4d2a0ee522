package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"triagebot/internal/domain"
	"triagebot/internal/tracker"
	"triagebot/internal/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	health    workflow.Health
	processed []domain.Report
	feedback  func(channel, ts, verdict string) (workflow.Outcome, error)
	daily     int
}

func (f *fakeEngine) Process(_ context.Context, r domain.Report) (workflow.Outcome, error) {
	if r.Text == "" {
		return workflow.Outcome{}, workflow.ErrEmptyReport
	}
	f.processed = append(f.processed, r)
	return workflow.Outcome{RecordID: "rec-1", TrackerAction: tracker.ActionNewIssue, State: domain.StateTicketCreated}, nil
}

func (f *fakeEngine) Feedback(_ context.Context, channel, ts, verdict string) (workflow.Outcome, error) {
	return f.feedback(channel, ts, verdict)
}

func (f *fakeEngine) RunDaily(context.Context) (workflow.DailySummary, error) {
	f.daily++
	return workflow.DailySummary{Reports: 2}, nil
}

func (f *fakeEngine) Health() workflow.Health { return f.health }

type fakeRecords struct{}

func (fakeRecords) Get(_ context.Context, id string) (domain.IssueRecord, error) {
	if id != "rec-1" {
		return domain.IssueRecord{}, tracker.ErrNotFound
	}
	return domain.IssueRecord{ID: id, State: domain.StateAnalyzed}, nil
}

func (fakeRecords) Counts(context.Context) (map[domain.State]int, error) {
	return map[domain.State]int{domain.StateAnalyzed: 1}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func healthy() workflow.Health {
	return workflow.Health{Classifier: true, Store: true}
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health workflow.Health
		ping   error
		want   int
	}{
		{"healthy", healthy(), nil, http.StatusOK},
		{"no classifier", workflow.Health{Store: true}, nil, http.StatusServiceUnavailable},
		{"store down", healthy(), errors.New("disk I/O error"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeEngine{health: tt.health}, fakeRecords{}, fakePinger{err: tt.ping}, Options{})
			w := do(t, s.Handler(), http.MethodGet, "/healthz", nil, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSubmitReport(t *testing.T) {
	engine := &fakeEngine{health: healthy()}
	h := New(engine, fakeRecords{}, nil, Options{}).Handler()

	w := do(t, h, http.MethodPost, "/api/reports", map[string]any{
		"text":       "Login button returns 500",
		"author_id":  "U001",
		"channel_id": "CBUGS",
		"message_ts": "1.1",
		"urgent":     true,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var out workflow.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.RecordID != "rec-1" || out.TrackerAction != tracker.ActionNewIssue {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(engine.processed) != 1 || !engine.processed[0].Urgent || engine.processed[0].MessageTS != "1.1" {
		t.Fatalf("report not bound: %+v", engine.processed)
	}

	if w := do(t, h, http.MethodPost, "/api/reports", map[string]any{"text": ""}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty report status = %d", w.Code)
	}
}

func TestFeedbackStatuses(t *testing.T) {
	tests := []struct {
		name    string
		outcome workflow.Outcome
		err     error
		want    int
	}{
		{"closed", workflow.Outcome{RecordID: "rec-1", State: domain.StateClosed}, nil, http.StatusOK},
		{"missing", workflow.Outcome{NotFound: true}, nil, http.StatusNotFound},
		{"terminal", workflow.Outcome{}, fmt.Errorf("%w: closed -> invalid", tracker.ErrInvalidTransition), http.StatusConflict},
		{"bad verdict", workflow.Outcome{}, fmt.Errorf("%w %q", workflow.ErrUnknownVerdict, "reopen"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{health: healthy(), feedback: func(string, string, string) (workflow.Outcome, error) {
				return tt.outcome, tt.err
			}}
			h := New(engine, fakeRecords{}, nil, Options{}).Handler()
			w := do(t, h, http.MethodPost, "/api/feedback", map[string]string{
				"channel_id": "CBUGS", "message_ts": "1.1", "verdict": "resolved",
			}, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	h := New(&fakeEngine{}, fakeRecords{}, nil, Options{}).Handler()
	if w := do(t, h, http.MethodPost, "/api/feedback", map[string]string{"channel_id": "CBUGS"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d", w.Code)
	}
}

func TestDailyAndRecords(t *testing.T) {
	engine := &fakeEngine{health: healthy()}
	h := New(engine, fakeRecords{}, nil, Options{}).Handler()

	w := do(t, h, http.MethodPost, "/api/daily", nil, nil)
	if w.Code != http.StatusOK || engine.daily != 1 {
		t.Fatalf("daily status = %d runs = %d", w.Code, engine.daily)
	}

	if w := do(t, h, http.MethodGet, "/api/records/rec-1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("record status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/records/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", w.Code)
	}
}

func TestAPITokenAndRateLimit(t *testing.T) {
	engine := &fakeEngine{health: healthy()}
	h := New(engine, fakeRecords{}, nil, Options{APIToken: "s3cret", RequestsPerSecond: 1}).Handler()

	if w := do(t, h, http.MethodPost, "/api/daily", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", w.Code)
	}
	auth := map[string]string{"Authorization": "Bearer s3cret"}
	var last int
	for i := 0; i < 3; i++ {
		last = do(t, h, http.MethodPost, "/api/daily", nil, auth).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", last)
	}
	// Health is outside the API group.
	if w := do(t, h, http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}
