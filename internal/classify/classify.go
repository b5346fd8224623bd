// Package classify maps a text fragment to a memory type using an ordered
// taxonomy of regular-expression variants.
package classify

import (
	"math"
	"regexp"
	"sort"
	"unicode/utf8"
)

// Type is a memory category.
type Type string

// Memory types. Observation is the fallback when persistence is forced but no
// variant matched (commit capture and explicit remember markers).
const (
	TypeDecision       Type = "decision"
	TypeError          Type = "error"
	TypeLearning       Type = "learning"
	TypeImplementation Type = "implementation"
	TypeImportant      Type = "important"
	TypeCode           Type = "code"
	TypeObservation    Type = "observation"
)

// ObservationConfidence seeds the importance of forced observations.
const ObservationConfidence = 0.5

// Variant is one entry of the taxonomy.
type Variant struct {
	Type       Type
	Priority   int
	Confidence float64
	MinLength  int
	Patterns   []*regexp.Regexp
}

// Classification is the result of a successful match.
type Classification struct {
	Type       Type
	Confidence float64
	Priority   int
}

// Importance derives the 1-10 importance score of a classification.
func (c Classification) Importance() int {
	return Importance(c.Type, c.Confidence)
}

// Importance scales confidence to 1-10 and boosts decisions and errors by 2.
func Importance(t Type, confidence float64) int {
	score := int(math.Round(confidence * 10))
	if t == TypeDecision || t == TypeError {
		score += 2
	}
	if score > 10 {
		score = 10
	}
	if score < 1 {
		score = 1
	}
	return score
}

// SkipFunc reports whether text is noise and must never classify.
type SkipFunc func(text string) bool

// Classifier walks the taxonomy in priority order.
type Classifier struct {
	variants []Variant
	skip     SkipFunc
}

// New builds a Classifier. Variants are sorted by ascending priority; the
// input slice is not modified. skip may be nil.
func New(taxonomy []Variant, skip SkipFunc) *Classifier {
	variants := append([]Variant(nil), taxonomy...)
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Priority < variants[j].Priority
	})
	return &Classifier{variants: variants, skip: skip}
}

// Classify returns the first matching variant, or false when text is noise
// or nothing matched.
func (c *Classifier) Classify(text string) (Classification, bool) {
	if c.skip != nil && c.skip(text) {
		return Classification{}, false
	}
	return c.Match(text)
}

// Match runs the taxonomy without the noise filter. Used when the user forced
// persistence with an explicit marker.
func (c *Classifier) Match(text string) (Classification, bool) {
	n := utf8.RuneCountInString(text)
	for _, v := range c.variants {
		if n < v.MinLength {
			continue
		}
		for _, p := range v.Patterns {
			if p.MatchString(text) {
				return Classification{Type: v.Type, Confidence: v.Confidence, Priority: v.Priority}, true
			}
		}
	}
	return Classification{}, false
}

// Observation is the classification used when persistence is forced.
func Observation() Classification {
	return Classification{Type: TypeObservation, Confidence: ObservationConfidence, Priority: math.MaxInt32}
}

func res(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// DefaultTaxonomy returns the built-in English/Korean taxonomy.
func DefaultTaxonomy() []Variant {
	return []Variant{
		{
			Type: TypeDecision, Priority: 1, Confidence: 0.9, MinLength: 30,
			Patterns: res(
				`(?i)\b(decided|decision|we chose|chose to|opted (for|to)|settled on|going with)\b`,
				`(?i)\binstead of\b`,
				`(?i)\b(we|i)('ll| will) (use|go with|switch to)\b`,
				`(결정|선택했|하기로 했|대신에?|채택)`,
			),
		},
		{
			Type: TypeError, Priority: 2, Confidence: 0.85, MinLength: 20,
			Patterns: res(
				`(?i)\b(error|exception|bug|crash(es|ed)?|panic|stack ?trace|fail(s|ed|ure|ing)?|broken|regression)\b`,
				`(?i)\b(fixed|resolved|root cause|workaround)\b`,
				`(에러|오류|버그|실패|크래시|해결)`,
			),
		},
		{
			Type: TypeLearning, Priority: 3, Confidence: 0.8, MinLength: 30,
			Patterns: res(
				`(?i)\b(learned|til|turns out|realized|discovered|found out|insight|lesson)\b`,
				`(배웠|알게 (됐|되었)|알고 보니|깨달|발견)`,
			),
		},
		{
			Type: TypeImplementation, Priority: 4, Confidence: 0.75, MinLength: 30,
			Patterns: res(
				`(?i)\b(implemented|added|built|created|shipped|released|refactored|migrated|completed)\b`,
				`(구현|추가했|만들었|완료|리팩토링|마이그레이션)`,
			),
		},
		{
			Type: TypeImportant, Priority: 5, Confidence: 0.85, MinLength: 15,
			Patterns: res(
				`(?i)\b(important|critical|must|never|always|warning|caution|do not|don't)\b`,
				`(중요|반드시|절대|주의|꼭)`,
			),
		},
		{
			Type: TypeCode, Priority: 6, Confidence: 0.7, MinLength: 20,
			Patterns: res(
				"```",
				`(?m)^\s*(func|def|class|const|let|var|import|export|package)\s`,
				`=>|\)\s*\{`,
			),
		},
	}
}
