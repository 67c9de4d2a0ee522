package domain

import "time"

type Category string

const (
	CategoryHumanError     Category = "humanError"
	CategoryAdminConfig    Category = "adminConfig"
	CategoryCodeBug        Category = "codeBug"
	CategoryInfrastructure Category = "infrastructure"
)

// Categories is the fixed category order. Arg-max ties resolve to the earlier entry.
var Categories = []Category{
	CategoryHumanError,
	CategoryAdminConfig,
	CategoryCodeBug,
	CategoryInfrastructure,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionUserEducation      Action = "user-education-response"
	ActionAdminInvestigation Action = "admin-investigation"
	ActionAICodeAnalysis     Action = "ai-code-analysis-approved"
	ActionInfrastructure     Action = "infrastructure-check"
	ActionHumanInvestigation Action = "human-investigation-required"
	ActionEmergencyReview    Action = "emergency-human-review"
)

// ActionForCategory maps the driving category to its remediation action.
func ActionForCategory(c Category) Action {
	switch c {
	case CategoryHumanError:
		return ActionUserEducation
	case CategoryAdminConfig:
		return ActionAdminInvestigation
	case CategoryCodeBug:
		return ActionAICodeAnalysis
	case CategoryInfrastructure:
		return ActionInfrastructure
	default:
		return ActionHumanInvestigation
	}
}

// Report is one inbound incident report. It is never mutated after intake.
type Report struct {
	Text       string    `json:"text"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ChannelID  string    `json:"channel_id"`
	MessageTS  string    `json:"message_ts"` // Slack message timestamp, used as thread ref
	ReportedAt time.Time `json:"reported_at"`
	Urgent     bool      `json:"urgent"`
}

// UserContext is the free-form reporter context handed to the root-cause estimator.
func (r Report) UserContext() string {
	name := r.AuthorName
	if name == "" {
		name = r.AuthorID
	}
	return "reporter=" + name + " channel=" + r.ChannelID
}

type Classification struct {
	ID            string               `json:"id"`
	Probabilities map[Category]float64 `json:"probabilities"`
	Confidence    float64              `json:"confidence"`
	Action        Action               `json:"action"`
	Category      Category             `json:"category"` // arg-max driver
	Reasoning     []string             `json:"reasoning"`

	PatternScores     map[Category]float64 `json:"pattern_scores,omitempty"`
	PatternMatches    int                  `json:"pattern_matches"`
	SignalMatches     map[string]int       `json:"signal_matches,omitempty"` // matches per signal type
	EvidenceValid     bool                 `json:"evidence_valid"`
	MissingEvidence   []string             `json:"missing_evidence,omitempty"`
	EstimatorFallback bool                 `json:"estimator_fallback"`
}

// MaxProbability returns the highest category probability.
func (c Classification) MaxProbability() float64 {
	_, p := ArgMax(c.Probabilities)
	return p
}

// ArgMax returns the category with the highest score, breaking ties by Categories order.
func ArgMax(scores map[Category]float64) (Category, float64) {
	best := Categories[0]
	bestScore := scores[best]
	for _, c := range Categories[1:] {
		if scores[c] > bestScore {
			best = c
			bestScore = scores[c]
		}
	}
	return best, bestScore
}
