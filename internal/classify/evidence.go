package classify

import (
	"regexp"
	"strings"
)

const (
	evidenceReproduction   = "reproduction steps"
	evidenceErrorMessage   = "explicit error message"
	evidenceExpectedActual = "expected vs actual behavior"
)

type evidenceCheck struct {
	name     string
	weight   float64
	patterns []*regexp.Regexp
}

var evidenceChecks = []evidenceCheck{
	{
		name:   evidenceReproduction,
		weight: 0.3,
		patterns: compileAll(
			`\bsteps to reproduce\b`,
			`\bwhen (i|we|you|users?)\b`,
			`\bwhen\s+\w*(click|submit|sav|open|load|log)\w*`,
			`\bafter (i|we|clicking|submitting|saving)\b`,
			`\bevery time\b`,
			`(?m)^\s*\d+[.)]\s`,
		),
	},
	{
		name:   evidenceErrorMessage,
		weight: 0.4,
		patterns: compileAll(
			`\berrors?\b`,
			`\bexceptions?\b`,
			`\b[45]\d{2}\b`,
			`\bstack ?trace\b`,
			`\btraceback\b`,
			`\bcrash(es|ed)?\b`,
		),
	},
	{
		name:   evidenceExpectedActual,
		weight: 0.3,
		patterns: compileAll(
			`\bexpected\b`,
			`\bshould (be|have|show|return|display)\b`,
			`\binstead\b`,
			`\bactual(ly)?\b`,
			`\bbut (it|i get|got|shows|returns)\b`,
		),
	},
}

var vagueMarkers = compileAll(
	`\bsomething('s| is)? (wrong|off|weird|broken)\b`,
	`\bweird\b`,
	`\bsomehow\b`,
	`\bstuff\b`,
	`\bidk\b`,
	`\bkind of broken\b`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

type Evidence struct {
	Score   float64
	Valid   bool
	Vague   bool
	Present []string
	Missing []string
}

// ValidateEvidence scores the technical evidence in a report. Vague language
// invalidates the report regardless of score.
func ValidateEvidence(text string, threshold float64) Evidence {
	// Line structure is kept so numbered steps still match.
	normalized := curlyQuotes.Replace(strings.ToLower(text))
	var ev Evidence
	for _, check := range evidenceChecks {
		if anyMatch(check.patterns, normalized) {
			ev.Score += check.weight
			ev.Present = append(ev.Present, check.name)
		} else {
			ev.Missing = append(ev.Missing, check.name)
		}
	}
	ev.Vague = anyMatch(vagueMarkers, normalized)
	// Guard against float drift so 0.3+0.3 still clears a 0.6 threshold.
	ev.Valid = ev.Score+1e-9 >= threshold && !ev.Vague
	return ev
}

func anyMatch(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
