package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
)

var ErrEmptyReport = errors.New("report text is empty")

type Classifier struct {
	signals   *SignalLibrary
	estimator Estimator
	policy    Policy
	newID     func() string
}

// New builds a classifier. A nil estimator always yields the fallback
// distribution and the zero Policy means DefaultPolicy.
func New(signals *SignalLibrary, estimator Estimator, policy Policy) *Classifier {
	if signals == nil {
		signals = DefaultSignalLibrary()
	}
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	return &Classifier{
		signals:   signals,
		estimator: estimator,
		policy:    policy,
		newID:     func() string { return uuid.NewString() },
	}
}

func (c *Classifier) Policy() Policy {
	return c.policy
}

func (c *Classifier) HasEstimator() bool {
	return c.estimator != nil
}

// Classify combines pattern scoring, root-cause estimation, and evidence
// validation into one recommendation.
func (c *Classifier) Classify(ctx context.Context, text, userContext string, urgent bool) (domain.Classification, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Classification{}, ErrEmptyReport
	}

	patterns := c.signals.Score(text)
	estimate, fellBack := c.estimate(ctx, text, userContext)
	evidence := ValidateEvidence(text, c.policy.EvidenceThreshold)

	result := Synthesize(c.policy, patterns, estimate, evidence, urgent)
	result.ID = c.newID()
	result.EstimatorFallback = fellBack
	if fellBack {
		result.Reasoning = append([]string{"root-cause estimator failed; fallback distribution applied"}, result.Reasoning...)
	}

	logger.Infof("classify category=%s action=%s confidence=%.2f max=%.1f matches=%d evidence_valid=%t fallback=%t urgent=%t",
		result.Category, result.Action, result.Confidence, result.MaxProbability(), patterns.Matches, evidence.Valid, fellBack, urgent)
	return result, nil
}

func (c *Classifier) estimate(ctx context.Context, text, userContext string) (Estimate, bool) {
	if c.estimator == nil {
		return FallbackEstimate(c.policy.FallbackConfidence), true
	}
	est, err := c.estimator.Estimate(ctx, text, userContext)
	if err == nil {
		err = est.Validate()
	}
	if err != nil {
		logger.Warnf("classify estimator error (non-fatal): %v", err)
		return FallbackEstimate(c.policy.FallbackConfidence), true
	}
	return est, false
}

// Synthesize is the pure blending step. Identical inputs always produce
// identical probabilities, confidence, and action.
func Synthesize(policy Policy, patterns PatternScore, estimate Estimate, evidence Evidence, urgent bool) domain.Classification {
	probs := make(map[domain.Category]float64, len(domain.Categories))
	for _, cat := range domain.Categories {
		v := policy.EstimatorWeight*estimate.Probabilities[cat] + policy.PatternWeight*patterns.Percentages[cat]
		probs[cat] = clamp(round2(v), 0, 100)
	}
	driver, maxProb := domain.ArgMax(probs)

	confidence := estimate.Confidence
	if patterns.Matches > 0 {
		confidence = math.Min(confidence, patterns.Confidence(policy.MinProbability))
	}
	if driver == domain.CategoryCodeBug {
		evTerm := policy.EvidenceInvalidConfidence
		if evidence.Valid {
			evTerm = policy.EvidenceValidConfidence
		}
		confidence = math.Min(confidence, evTerm)
	}
	confidence = clamp(round2(confidence), 0, 1)

	var reasoning []string
	reasoning = append(reasoning, estimate.Reasons...)
	if patterns.Matches == 0 {
		reasoning = append(reasoning, "no lexical signals matched")
	} else {
		top, share := domain.ArgMax(patterns.Percentages)
		reasoning = append(reasoning, fmt.Sprintf("lexical signals: %d matches, %s leads with %.0f%%", patterns.Matches, top, share))
	}
	if evidence.Valid {
		reasoning = append(reasoning, fmt.Sprintf("technical evidence sufficient (score %.1f)", evidence.Score))
	} else if evidence.Vague {
		reasoning = append(reasoning, "report uses vague language")
	} else if len(evidence.Missing) > 0 {
		reasoning = append(reasoning, "missing evidence: "+strings.Join(evidence.Missing, ", "))
	}

	action := Recommend(policy, driver, maxProb, confidence, urgent)
	switch action {
	case domain.ActionEmergencyReview:
		reasoning = append(reasoning, fmt.Sprintf("urgent report with confidence %.2f below %.2f", confidence, policy.UrgentConfidence))
	case domain.ActionHumanInvestigation:
		reasoning = append(reasoning, fmt.Sprintf("not confident enough to automate (max %.1f, confidence %.2f)", maxProb, confidence))
	default:
		reasoning = append(reasoning, fmt.Sprintf("%s drives the recommendation at %.1f", driver, maxProb))
	}

	return domain.Classification{
		Probabilities:   probs,
		Confidence:      confidence,
		Action:          action,
		Category:        driver,
		Reasoning:       reasoning,
		PatternScores:   patterns.Percentages,
		PatternMatches:  patterns.Matches,
		SignalMatches:   patterns.ByType,
		EvidenceValid:   evidence.Valid,
		MissingEvidence: evidence.Missing,
	}
}

// Recommend applies the decision rules in priority order.
func Recommend(policy Policy, driver domain.Category, maxProb, confidence float64, urgent bool) domain.Action {
	if urgent && confidence < policy.UrgentConfidence {
		return domain.ActionEmergencyReview
	}
	if maxProb < policy.MinProbability || confidence < policy.MinConfidence {
		return domain.ActionHumanInvestigation
	}
	return domain.ActionForCategory(driver)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
