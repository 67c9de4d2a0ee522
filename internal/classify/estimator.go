package classify

import (
	"context"
	"fmt"

	"triagebot/internal/domain"
)

// Estimate is the root-cause estimator's view of a report: a probability per
// category (0-100), a confidence (0-1), and free-text reasons.
type Estimate struct {
	Probabilities map[domain.Category]float64
	Confidence    float64
	Reasons       []string
}

// Estimator is the external, model-backed root-cause capability. Implementations
// must return an error instead of panicking on malformed model output.
type Estimator interface {
	Estimate(ctx context.Context, text, userContext string) (Estimate, error)
}

// FallbackEstimate is substituted whenever the estimator fails.
func FallbackEstimate(confidence float64) Estimate {
	return Estimate{
		Probabilities: map[domain.Category]float64{
			domain.CategoryHumanError:     40,
			domain.CategoryAdminConfig:    20,
			domain.CategoryCodeBug:        20,
			domain.CategoryInfrastructure: 20,
		},
		Confidence: confidence,
		Reasons:    []string{"root-cause estimator unavailable, using fallback distribution"},
	}
}

// Validate rejects estimates that are missing categories or out of range.
func (e Estimate) Validate() error {
	for _, c := range domain.Categories {
		p, ok := e.Probabilities[c]
		if !ok {
			return fmt.Errorf("estimate missing category %s", c)
		}
		if p < 0 || p > 100 {
			return fmt.Errorf("estimate %s probability %.2f out of range", c, p)
		}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("estimate confidence %.2f out of range", e.Confidence)
	}
	return nil
}

// StaticEstimator returns a fixed estimate. It backs deployments with no LLM
// configured and keeps tests deterministic.
type StaticEstimator struct {
	Result Estimate
	Err    error
}

func (s StaticEstimator) Estimate(_ context.Context, _, _ string) (Estimate, error) {
	return s.Result, s.Err
}
