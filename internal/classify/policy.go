package classify

import "fmt"

// Policy holds the tunable weights and thresholds used when the classifier
// synthesizes its three signals into one recommendation. Every field is used
// as given, zero included; start from DefaultPolicy to override a subset.
type Policy struct {
	EstimatorWeight float64 `yaml:"estimator_weight"`
	PatternWeight   float64 `yaml:"pattern_weight"`

	MinProbability   float64 `yaml:"min_probability"`   // 0-100
	MinConfidence    float64 `yaml:"min_confidence"`    // 0-1
	UrgentConfidence float64 `yaml:"urgent_confidence"` // urgent reports below this go to emergency review

	EvidenceThreshold         float64 `yaml:"evidence_threshold"`
	EvidenceValidConfidence   float64 `yaml:"evidence_valid_confidence"`
	EvidenceInvalidConfidence float64 `yaml:"evidence_invalid_confidence"`

	FallbackConfidence float64 `yaml:"fallback_confidence"`
}

func DefaultPolicy() Policy {
	return Policy{
		EstimatorWeight:           0.4,
		PatternWeight:             0.3,
		MinProbability:            60,
		MinConfidence:             0.6,
		UrgentConfidence:          0.7,
		EvidenceThreshold:         0.6,
		EvidenceValidConfidence:   0.9,
		EvidenceInvalidConfidence: 0.5,
		FallbackConfidence:        0.3,
	}
}

func (p Policy) Validate() error {
	if p.EstimatorWeight < 0 || p.PatternWeight < 0 {
		return fmt.Errorf("weights must be >= 0 (estimator=%.2f pattern=%.2f)", p.EstimatorWeight, p.PatternWeight)
	}
	if p.MinProbability < 0 || p.MinProbability > 100 {
		return fmt.Errorf("min_probability %.2f must be between 0 and 100", p.MinProbability)
	}
	for name, v := range map[string]float64{
		"min_confidence":              p.MinConfidence,
		"urgent_confidence":           p.UrgentConfidence,
		"evidence_threshold":          p.EvidenceThreshold,
		"evidence_valid_confidence":   p.EvidenceValidConfidence,
		"evidence_invalid_confidence": p.EvidenceInvalidConfidence,
		"fallback_confidence":         p.FallbackConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.2f must be between 0 and 1", name, v)
		}
	}
	return nil
}
