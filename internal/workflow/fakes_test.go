package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"triagebot/internal/classify"
	"triagebot/internal/domain"
	"triagebot/internal/fingerprint"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/tracker"
)

type fakeTickets struct {
	mu      sync.Mutex
	created []domain.TicketRequest
	updates map[string]map[string]any
	err     error
}

func (f *fakeTickets) CreateTicket(_ context.Context, req domain.TicketRequest) (domain.TicketRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.TicketRef{}, f.err
	}
	f.created = append(f.created, req)
	id := fmt.Sprintf("T-%d", len(f.created))
	return domain.TicketRef{ID: id, URL: "https://tickets.example/" + id}, nil
}

func (f *fakeTickets) UpdateTicket(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]map[string]any)
	}
	f.updates[id] = fields
	return nil
}

type fakeIssues struct {
	mu      sync.Mutex
	created []string
	labels  [][]string
	states  map[int]string
	err     error
}

func (f *fakeIssues) CreateIssue(_ context.Context, repo, title, _ string, labels []string) (domain.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.IssueRef{}, f.err
	}
	f.created = append(f.created, repo+":"+title)
	f.labels = append(f.labels, labels)
	n := 100 + len(f.created)
	return domain.IssueRef{Number: n, URL: fmt.Sprintf("https://git.example/%s/issues/%d", repo, n)}, nil
}

func (f *fakeIssues) IssueState(_ context.Context, _ string, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[number]; ok {
		return s, nil
	}
	return domain.IssueOpen, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []Notification
	err   error
}

func (f *fakeNotifier) PostMessage(_ context.Context, channel, text, threadTS string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, Notification{Channel: channel, ThreadTS: threadTS, Text: text, Delivered: true})
	return nil
}

func (f *fakeNotifier) to(channel string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, p := range f.posts {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

type fakeSource struct {
	reports []domain.Report
	since   time.Time
}

func (f *fakeSource) ReportsSince(_ context.Context, since time.Time) ([]domain.Report, error) {
	f.since = since
	return f.reports, nil
}

// keywordEstimator agrees with the obvious reading of the test reports.
type keywordEstimator struct {
	confidence float64
}

func (k keywordEstimator) Estimate(_ context.Context, text, _ string) (classify.Estimate, error) {
	text = strings.ToLower(text)
	driver := domain.CategoryCodeBug
	switch {
	case strings.Contains(text, "job post"):
		driver = domain.CategoryHumanError
	case strings.Contains(text, "access denied"):
		driver = domain.CategoryAdminConfig
	case strings.Contains(text, " down"):
		driver = domain.CategoryInfrastructure
	}
	probs := map[domain.Category]float64{}
	for _, c := range domain.Categories {
		probs[c] = 5
	}
	probs[driver] = 85
	conf := k.confidence
	if conf == 0 {
		conf = 0.85
	}
	return classify.Estimate{Probabilities: probs, Confidence: conf, Reasons: []string{"keyword " + string(driver)}}, nil
}

type harness struct {
	orch     *Orchestrator
	store    *sqlite.DB
	tracker  *tracker.Tracker
	tickets  *fakeTickets
	issues   *fakeIssues
	notifier *fakeNotifier
	source   *fakeSource
}

func newHarness(t *testing.T, est classify.Estimator) *harness {
	t.Helper()
	store, err := sqlite.InitDB(filepath.Join(t.TempDir(), "workflow-test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:    store,
		tracker:  tracker.New(store, fingerprint.New(0), tracker.Thresholds{}),
		tickets:  &fakeTickets{},
		issues:   &fakeIssues{states: map[int]string{}},
		notifier: &fakeNotifier{},
		source:   &fakeSource{},
	}
	h.orch = New(Deps{
		Classifier: classify.New(nil, est, classify.DefaultPolicy()),
		Tracker:    h.tracker,
		Tickets:    h.tickets,
		Issues:     h.issues,
		Notifier:   h.notifier,
		Source:     h.source,
		Runs:       store,
	}, Settings{
		TeamChannel: "CTEAM",
		OnCallID:    "UONCALL",
		AdminIDs:    []string{"UADMIN", "UOPS"},
		CodegenRepo: "acme/webapp",
		DocsURL:     "https://docs.example",

		TicketAssignees: map[string]string{"UONCALL": "95555", "UADMIN": "81234"},
	})
	return h
}

func slackReport(text, ts string, at time.Time) domain.Report {
	return domain.Report{
		Text:       text,
		AuthorID:   "U001",
		AuthorName: "alice",
		ChannelID:  "CBUGS",
		MessageTS:  ts,
		ReportedAt: at,
	}
}

// seed stores a record as if it had been processed in the past.
func (h *harness) seed(t *testing.T, report domain.Report, state domain.State, updatedAt time.Time, refs domain.ExternalRefs) domain.IssueRecord {
	t.Helper()
	rec := domain.IssueRecord{
		ID:          "seed-" + report.MessageTS,
		Fingerprint: fingerprint.New(0).Fingerprint(report),
		Report:      report,
		State:       state,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
		Refs:        refs,
	}
	if err := h.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed Create failed: %v", err)
	}
	return rec
}
