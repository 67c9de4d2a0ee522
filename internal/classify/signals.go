package classify

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"triagebot/internal/domain"
)

//go:embed signals.yaml
var defaultSignalsYAML []byte

// SignalFile is the on-disk shape of a signal table. The embedded default and
// the optional signals_path extension share it.
type SignalFile struct {
	Weights map[string]float64 `yaml:"weights"`
	Signals []SignalGroup      `yaml:"signals"`
}

type SignalGroup struct {
	Category domain.Category `yaml:"category"`
	Type     string          `yaml:"type"`
	Patterns []string        `yaml:"patterns"`
}

type matcher struct {
	category   domain.Category
	signalType string
	re         *regexp.Regexp
}

// SignalLibrary is the table category -> signal type -> matchers, with one
// weight per signal type.
type SignalLibrary struct {
	weights  map[string]float64
	matchers []matcher
}

// PatternScore is the deterministic lexical score of one report.
type PatternScore struct {
	Percentages map[domain.Category]float64
	Weighted    map[domain.Category]float64
	Matches     int
	ByType      map[string]int
}

func DefaultSignalLibrary() *SignalLibrary {
	lib, err := ParseSignalLibrary(defaultSignalsYAML)
	if err != nil {
		panic(fmt.Sprintf("load embedded signals.yaml: %v", err))
	}
	return lib
}

func ParseSignalLibrary(data []byte) (*SignalLibrary, error) {
	lib := &SignalLibrary{weights: make(map[string]float64)}
	if err := lib.extend(data); err != nil {
		return nil, err
	}
	return lib, nil
}

// LoadSignalLibrary returns the default library, extended by path when set.
func LoadSignalLibrary(path string) (*SignalLibrary, error) {
	lib := DefaultSignalLibrary()
	path = strings.TrimSpace(path)
	if path == "" {
		return lib, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signals file: %w", err)
	}
	if err := lib.extend(data); err != nil {
		return nil, fmt.Errorf("extend signals from %s: %w", path, err)
	}
	return lib, nil
}

func (l *SignalLibrary) extend(data []byte) error {
	var f SignalFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse signals yaml: %w", err)
	}
	for name, w := range f.Weights {
		if w < 0 {
			return fmt.Errorf("signal type %s has negative weight %.2f", name, w)
		}
		l.weights[name] = w
	}
	for _, g := range f.Signals {
		if !g.Category.Valid() {
			return fmt.Errorf("signal type %s: unknown category %q", g.Type, g.Category)
		}
		if _, ok := l.weights[g.Type]; !ok {
			l.weights[g.Type] = 1.0
		}
		for _, p := range g.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("signal type %s: bad pattern %q: %w", g.Type, p, err)
			}
			l.matchers = append(l.matchers, matcher{category: g.Category, signalType: g.Type, re: re})
		}
	}
	return nil
}

func (l *SignalLibrary) Weight(signalType string) float64 {
	return l.weights[signalType]
}

// Types lists the known signal types, sorted.
func (l *SignalLibrary) Types() []string {
	out := make([]string, 0, len(l.weights))
	for name := range l.weights {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var curlyQuotes = strings.NewReplacer("’", "'", "‘", "'", "“", `"`, "”", `"`)

func normalizeForMatching(text string) string {
	text = curlyQuotes.Replace(strings.ToLower(text))
	return strings.Join(strings.Fields(text), " ")
}

// Score counts matches per signal type, weights them, and normalizes the
// per-category sums into percentages of the weighted total.
func (l *SignalLibrary) Score(text string) PatternScore {
	normalized := normalizeForMatching(text)
	score := PatternScore{
		Percentages: make(map[domain.Category]float64, len(domain.Categories)),
		Weighted:    make(map[domain.Category]float64, len(domain.Categories)),
		ByType:      make(map[string]int),
	}
	for _, c := range domain.Categories {
		score.Percentages[c] = 0
		score.Weighted[c] = 0
	}

	var total float64
	for _, m := range l.matchers {
		n := len(m.re.FindAllStringIndex(normalized, -1))
		if n == 0 {
			continue
		}
		w := float64(n) * l.weights[m.signalType]
		score.Weighted[m.category] += w
		score.ByType[m.signalType] += n
		score.Matches += n
		total += w
	}
	if total == 0 {
		return score
	}
	for _, c := range domain.Categories {
		score.Percentages[c] = score.Weighted[c] / total * 100
	}
	return score
}

// Confidence grows with the number of matches once one category dominates.
func (s PatternScore) Confidence(dominantShare float64) float64 {
	if s.Matches == 0 {
		return 0
	}
	_, top := domain.ArgMax(s.Percentages)
	if top < dominantShare {
		return top / 100
	}
	conf := 0.5 + 0.1*float64(s.Matches)
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}
