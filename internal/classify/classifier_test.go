package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"triagebot/internal/domain"
)

func estimateFor(c domain.Category, p, conf float64) Estimate {
	probs := map[domain.Category]float64{
		domain.CategoryHumanError:     5,
		domain.CategoryAdminConfig:    5,
		domain.CategoryCodeBug:        5,
		domain.CategoryInfrastructure: 5,
	}
	probs[c] = p
	return Estimate{Probabilities: probs, Confidence: conf, Reasons: []string{"model says " + string(c)}}
}

func TestClassifyLoginButton500(t *testing.T) {
	est := StaticEstimator{Result: estimateFor(domain.CategoryCodeBug, 85, 0.85)}
	c := New(nil, est, DefaultPolicy())

	got, err := c.Classify(context.Background(), "Login button returns 500 error when clicked", "reporter=alice", false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != domain.CategoryCodeBug {
		t.Fatalf("category = %s, want codeBug (probs=%v)", got.Category, got.Probabilities)
	}
	if got.Action != domain.ActionAICodeAnalysis {
		t.Fatalf("action = %s, want %s", got.Action, domain.ActionAICodeAnalysis)
	}
	if got.Confidence < 0.8 {
		t.Fatalf("confidence = %.2f, want >= 0.8", got.Confidence)
	}
	if !got.EvidenceValid {
		t.Fatalf("expected evidence to be valid, missing=%v", got.MissingEvidence)
	}
	if got.PatternScores[domain.CategoryCodeBug] != 100 {
		t.Fatalf("pattern codeBug = %.1f, want 100", got.PatternScores[domain.CategoryCodeBug])
	}
}

func TestClassifyHowToQuestion(t *testing.T) {
	est := StaticEstimator{Result: estimateFor(domain.CategoryHumanError, 85, 0.85)}
	c := New(nil, est, DefaultPolicy())

	got, err := c.Classify(context.Background(), "I can't find where to create a job post, please help", "", false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != domain.CategoryHumanError {
		t.Fatalf("category = %s, want humanError (probs=%v)", got.Category, got.Probabilities)
	}
	if got.Action != domain.ActionUserEducation {
		t.Fatalf("action = %s, want %s (conf=%.2f)", got.Action, domain.ActionUserEducation, got.Confidence)
	}
}

func TestClassifyEmptyText(t *testing.T) {
	c := New(nil, nil, DefaultPolicy())
	if _, err := c.Classify(context.Background(), "  \n\t", "", false); !errors.Is(err, ErrEmptyReport) {
		t.Fatalf("expected ErrEmptyReport, got %v", err)
	}
}

func TestClassifyEstimatorFailureUsesFallback(t *testing.T) {
	tests := []struct {
		name string
		est  Estimator
	}{
		{name: "error", est: StaticEstimator{Err: errors.New("boom")}},
		{name: "missing category", est: StaticEstimator{Result: Estimate{
			Probabilities: map[domain.Category]float64{domain.CategoryCodeBug: 90},
			Confidence:    0.9,
		}}},
		{name: "confidence out of range", est: StaticEstimator{Result: estimateFor(domain.CategoryCodeBug, 90, 1.7)}},
		{name: "nil estimator", est: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, tt.est, DefaultPolicy())
			got, err := c.Classify(context.Background(), "the dashboard page", "", false)
			if err != nil {
				t.Fatalf("Classify must absorb estimator failures, got %v", err)
			}
			if !got.EstimatorFallback {
				t.Fatal("expected EstimatorFallback to be set")
			}
			if got.Confidence != 0.3 {
				t.Fatalf("confidence = %.2f, want fallback 0.3", got.Confidence)
			}
			if got.Probabilities[domain.CategoryHumanError] != 16 {
				t.Fatalf("humanError = %.2f, want 0.4*40", got.Probabilities[domain.CategoryHumanError])
			}
			if got.Action != domain.ActionHumanInvestigation {
				t.Fatalf("action = %s, want human investigation", got.Action)
			}
		})
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	lib := DefaultSignalLibrary()
	text := "Checkout crashes with a null pointer exception every time I submit"
	est := estimateFor(domain.CategoryCodeBug, 70, 0.75)
	policy := DefaultPolicy()

	first := Synthesize(policy, lib.Score(text), est, ValidateEvidence(text, policy.EvidenceThreshold), false)
	for i := 0; i < 20; i++ {
		again := Synthesize(policy, lib.Score(text), est, ValidateEvidence(text, policy.EvidenceThreshold), false)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("synthesis not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestSynthesizeBlendWeights(t *testing.T) {
	patterns := PatternScore{
		Percentages: map[domain.Category]float64{
			domain.CategoryHumanError:     25,
			domain.CategoryAdminConfig:    0,
			domain.CategoryCodeBug:        75,
			domain.CategoryInfrastructure: 0,
		},
		Matches: 3,
	}
	est := Estimate{
		Probabilities: map[domain.Category]float64{
			domain.CategoryHumanError:     10,
			domain.CategoryAdminConfig:    10,
			domain.CategoryCodeBug:        70,
			domain.CategoryInfrastructure: 10,
		},
		Confidence: 0.8,
	}
	got := Synthesize(DefaultPolicy(), patterns, est, Evidence{Valid: true}, false)
	want := map[domain.Category]float64{
		domain.CategoryHumanError:     11.5,
		domain.CategoryAdminConfig:    4,
		domain.CategoryCodeBug:        50.5,
		domain.CategoryInfrastructure: 4,
	}
	if diff := cmp.Diff(want, got.Probabilities); diff != "" {
		t.Fatalf("probabilities mismatch (-want +got):\n%s", diff)
	}
	// Max 50.5 < 60 forces a human.
	if got.Action != domain.ActionHumanInvestigation {
		t.Fatalf("action = %s, want human investigation", got.Action)
	}
}

func TestRecommendBoundaries(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name       string
		driver     domain.Category
		maxProb    float64
		confidence float64
		urgent     bool
		want       domain.Action
	}{
		{"confident code bug", domain.CategoryCodeBug, 80, 0.8, false, domain.ActionAICodeAnalysis},
		{"max just below 60", domain.CategoryCodeBug, 59.99, 0.95, false, domain.ActionHumanInvestigation},
		{"max exactly 60", domain.CategoryCodeBug, 60, 0.6, false, domain.ActionAICodeAnalysis},
		{"confidence just below 0.6", domain.CategoryAdminConfig, 90, 0.59, false, domain.ActionHumanInvestigation},
		{"urgent at 0.5 overrides", domain.CategoryCodeBug, 95, 0.5, true, domain.ActionEmergencyReview},
		{"urgent but confident", domain.CategoryInfrastructure, 80, 0.7, true, domain.ActionInfrastructure},
		{"urgent low prob low conf", domain.CategoryHumanError, 10, 0.2, true, domain.ActionEmergencyReview},
		{"admin", domain.CategoryAdminConfig, 70, 0.7, false, domain.ActionAdminInvestigation},
		{"education", domain.CategoryHumanError, 70, 0.7, false, domain.ActionUserEducation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recommend(p, tt.driver, tt.maxProb, tt.confidence, tt.urgent); got != tt.want {
				t.Fatalf("Recommend = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyUrgentOverride(t *testing.T) {
	est := StaticEstimator{Result: estimateFor(domain.CategoryCodeBug, 90, 0.5)}
	c := New(nil, est, DefaultPolicy())

	got, err := c.Classify(context.Background(), "Payments API returns 500 error when I submit", "", true)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Confidence != 0.5 {
		t.Fatalf("confidence = %.2f, want 0.5", got.Confidence)
	}
	if got.Action != domain.ActionEmergencyReview {
		t.Fatalf("action = %s, want emergency review", got.Action)
	}
}

func TestClassifyCodeBugWithoutEvidenceCapsConfidence(t *testing.T) {
	est := StaticEstimator{Result: estimateFor(domain.CategoryCodeBug, 95, 0.95)}
	c := New(nil, est, DefaultPolicy())

	got, err := c.Classify(context.Background(), "something is wrong with the button, it is broken", "", false)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.EvidenceValid {
		t.Fatal("vague report must not carry valid evidence")
	}
	if got.Confidence != 0.5 {
		t.Fatalf("confidence = %.2f, want capped at 0.5", got.Confidence)
	}
	if got.Action != domain.ActionHumanInvestigation {
		t.Fatalf("action = %s, want human investigation", got.Action)
	}
}

func TestValidateEvidence(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantValid bool
		missing   int
	}{
		{"error and repro", "Login button returns 500 error when clicked", true, 1},
		{"full report", "Steps to reproduce:\n1. open cart\n2. click pay\nExpected a receipt but it shows an exception", true, 0},
		{"only error", "I see an error", false, 2},
		{"vague overrides", "every time I save there is an error, something is weird", false, 1},
		{"nothing", "please advise", false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ValidateEvidence(tt.text, 0.6)
			if ev.Valid != tt.wantValid {
				t.Fatalf("Valid = %t, want %t (score=%.2f vague=%t)", ev.Valid, tt.wantValid, ev.Score, ev.Vague)
			}
			if len(ev.Missing) != tt.missing {
				t.Fatalf("missing = %v, want %d entries", ev.Missing, tt.missing)
			}
		})
	}
}

func TestSignalScoreZeroMatches(t *testing.T) {
	score := DefaultSignalLibrary().Score("quarterly numbers look good")
	if score.Matches != 0 {
		t.Fatalf("expected no matches, got %d (%v)", score.Matches, score.ByType)
	}
	for _, c := range domain.Categories {
		if score.Percentages[c] != 0 {
			t.Fatalf("%s = %.2f, want 0", c, score.Percentages[c])
		}
	}
	if score.Confidence(60) != 0 {
		t.Fatalf("confidence with no matches = %.2f, want 0", score.Confidence(60))
	}
}

func TestSignalScoreUsesTypeWeights(t *testing.T) {
	// One technical error (3.0) against one confusion marker (1.0).
	score := DefaultSignalLibrary().Score("confused by this exception")
	if got := score.Percentages[domain.CategoryCodeBug]; got != 75 {
		t.Fatalf("codeBug = %.2f, want 75", got)
	}
	if got := score.Percentages[domain.CategoryHumanError]; got != 25 {
		t.Fatalf("humanError = %.2f, want 25", got)
	}
}

func TestLoadSignalLibraryExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.yaml")
	content := `
weights:
  kubernetes: 4
  technical_errors: 5
signals:
  - category: infrastructure
    type: kubernetes
    patterns:
      - '\bpods?\b'
      - '\bcrashloop'
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write signals: %v", err)
	}
	lib, err := LoadSignalLibrary(path)
	if err != nil {
		t.Fatalf("LoadSignalLibrary: %v", err)
	}
	if lib.Weight("technical_errors") != 5 {
		t.Fatalf("technical_errors weight = %.1f, want override 5", lib.Weight("technical_errors"))
	}
	if !slices.Contains(lib.Types(), "kubernetes") {
		t.Fatalf("kubernetes missing from types: %v", lib.Types())
	}
	score := lib.Score("pod stuck in crashloop")
	if score.Percentages[domain.CategoryInfrastructure] != 100 {
		t.Fatalf("infrastructure = %.1f, want 100", score.Percentages[domain.CategoryInfrastructure])
	}
}

func TestParseSignalLibraryRejectsBadInput(t *testing.T) {
	bad := []string{
		"signals:\n  - category: nope\n    type: x\n    patterns: ['a']\n",
		"signals:\n  - category: codeBug\n    type: x\n    patterns: ['(']\n",
		"weights:\n  x: -1\n",
	}
	for _, data := range bad {
		if _, err := ParseSignalLibrary([]byte(data)); err == nil {
			t.Fatalf("expected error for %q", data)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	p := DefaultPolicy()
	p.MinConfidence = 1.5
	if err := p.Validate(); err == nil {
		t.Fatal("expected min_confidence > 1 to fail")
	}
}

func TestPolicyZeroValues(t *testing.T) {
	if diff := cmp.Diff(DefaultPolicy(), New(nil, nil, Policy{}).Policy()); diff != "" {
		t.Fatalf("zero policy should mean defaults (-want +got):\n%s", diff)
	}

	p := DefaultPolicy()
	p.PatternWeight = 0
	c := New(nil, nil, p)
	if c.Policy().PatternWeight != 0 || c.Policy().EstimatorWeight != 0.4 {
		t.Fatalf("explicit zero weight must be kept, got %+v", c.Policy())
	}

	patterns := PatternScore{
		Percentages: map[domain.Category]float64{domain.CategoryCodeBug: 100},
		Matches:     3,
	}
	got := Synthesize(c.Policy(), patterns, estimateFor(domain.CategoryCodeBug, 80, 0.9), Evidence{Valid: true}, false)
	if got.Probabilities[domain.CategoryCodeBug] != 32 {
		t.Fatalf("codeBug = %.2f, want 0.4*80 with patterns weighted out", got.Probabilities[domain.CategoryCodeBug])
	}
}
