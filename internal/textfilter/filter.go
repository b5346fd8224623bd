// Package textfilter decides whether a conversational fragment is noise and
// detects explicit remember/skip markers.
package textfilter

import (
	"regexp"
	"strings"
)

// RuleTooShort names the length-only rule. Text it catches is not noise in
// itself, just too short to be worth a memory.
const RuleTooShort = "too-short"

// Rule is a named skip pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Override reports explicit user markers found in a turn.
type Override struct {
	ForceRemember bool
	ForceSkip     bool
}

// Filter holds the ordered skip rules and the override markers.
type Filter struct {
	rules          []Rule
	rememberMarks  []string
	skipMarks      []string
	stripMarkersRe *regexp.Regexp
}

// Tables is the configuration a Filter is built from.
type Tables struct {
	Rules         []Rule
	RememberMarks []string
	SkipMarks     []string
}

// DefaultTables returns the English/Korean noise rules and markers.
func DefaultTables() Tables {
	return Tables{
		Rules: []Rule{
			{Name: "blank", Pattern: regexp.MustCompile(`^\s*$`)},
			{Name: "greeting", Pattern: regexp.MustCompile(`(?i)^(hi|hello|hey|yo|good (morning|afternoon|evening)|안녕(하세요)?)[\s!.~?]*$`)},
			{Name: "thanks", Pattern: regexp.MustCompile(`(?i)^(thanks|thank you|thx|ty|감사(합니다)?|고마워(요)?)[\s!.~]*$`)},
			{Name: "ack", Pattern: regexp.MustCompile(`(?i)^(ok|okay|k|yes|yep|yeah|no|nope|sure|got it|great|nice|cool|done|lgtm|네|넵|예|응|ㅇㅇ|ㅇㅋ|좋아(요)?|알겠(어|습니다)|아니(요)?|[ㅋㅎ]+)[\s!.~]*$`)},
			{Name: "question-word", Pattern: regexp.MustCompile(`(?i)^(what|why|how|when|where|who|which|뭐|왜|어떻게|언제|어디|누가)[\s?]*$`)},
			{Name: RuleTooShort, Pattern: regexp.MustCompile(`(?s)^.{0,19}$`)},
		},
		RememberMarks: []string{"<remember>", "[remember]", "#remember", "@remember", "기억해"},
		SkipMarks:     []string{"<skip>", "[skip]", "#skip", "@skip", "<no-memory>", "기억하지 마"},
	}
}

// New builds a Filter. The tables are copied; later changes to t do not leak in.
func New(t Tables) *Filter {
	f := &Filter{
		rules:         append([]Rule(nil), t.Rules...),
		rememberMarks: lowerAll(t.RememberMarks),
		skipMarks:     lowerAll(t.SkipMarks),
	}
	var quoted []string
	for _, m := range append(append([]string{}, t.SkipMarks...), t.RememberMarks...) {
		quoted = append(quoted, regexp.QuoteMeta(m))
	}
	if len(quoted) > 0 {
		f.stripMarkersRe = regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
	}
	return f
}

// ShouldSkip reports whether text is noise.
func (f *Filter) ShouldSkip(text string) bool {
	_, skip := f.SkipReason(text)
	return skip
}

// SkipReason returns the name of the first rule matching the trimmed text.
func (f *Filter) SkipReason(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, r := range f.rules {
		if r.Pattern.MatchString(trimmed) {
			return r.Name, true
		}
	}
	return "", false
}

// CheckOverride scans for explicit markers. A skip marker always wins.
func (f *Filter) CheckOverride(text string) Override {
	lower := strings.ToLower(text)
	for _, m := range f.skipMarks {
		if strings.Contains(lower, m) {
			return Override{ForceSkip: true}
		}
	}
	for _, m := range f.rememberMarks {
		if strings.Contains(lower, m) {
			return Override{ForceRemember: true}
		}
	}
	return Override{}
}

// StripMarkers removes override markers so they are not persisted.
func (f *Filter) StripMarkers(text string) string {
	if f.stripMarkersRe == nil {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(f.stripMarkersRe.ReplaceAllString(text, ""))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
