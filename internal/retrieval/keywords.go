package retrieval

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/CanopyHQ/xylem/internal/git"
)

// Category groups keywords that signal one area of a codebase.
type Category struct {
	Name     string
	Keywords []string
}

// KeywordTables configures keyword extraction.
type KeywordTables struct {
	Categories  []Category
	Stopwords   []string
	MaxKeywords int
}

// DefaultKeywordTables returns the English/Korean category table.
func DefaultKeywordTables() KeywordTables {
	return KeywordTables{
		MaxKeywords: 12,
		Categories: []Category{
			{Name: "error", Keywords: []string{"error", "bug", "fix", "crash", "exception", "fail", "에러", "오류", "버그", "수정"}},
			{Name: "ui", Keywords: []string{"ui", "component", "css", "layout", "style", "button", "screen", "화면", "컴포넌트", "디자인"}},
			{Name: "api", Keywords: []string{"api", "endpoint", "fetch", "request", "response", "요청", "응답"}},
			{Name: "state", Keywords: []string{"state", "store", "redux", "zustand", "context", "상태"}},
			{Name: "navigation", Keywords: []string{"navigation", "navigate", "route", "router", "link", "네비게이션", "라우팅", "이동"}},
			{Name: "auth", Keywords: []string{"auth", "login", "logout", "token", "session", "인증", "로그인"}},
			{Name: "test", Keywords: []string{"test", "jest", "spec", "e2e", "테스트"}},
		},
		Stopwords: []string{
			"the", "and", "for", "with", "this", "that", "from", "have", "has", "was", "are", "were",
			"will", "would", "should", "could", "can", "you", "your", "our", "but", "not", "all",
			"any", "how", "what", "why", "when", "where", "which", "who", "into", "onto", "out",
			"about", "please", "just", "also", "then", "than", "there", "here", "some", "make",
			"let", "its", "it's", "use", "using", "get", "got", "add", "added", "now", "new",
			"이거", "그거", "저거", "그리고", "하지만", "그래서", "해줘", "해주세요", "있어", "없어",
		},
	}
}

// Keywords extracts search keywords from free text.
type Keywords struct {
	categories []compiledCategory
	stop       map[string]bool
	max        int
}

type compiledCategory struct {
	name     string
	keywords []string
	matchers []*regexp.Regexp
}

var (
	hangulToken = regexp.MustCompile(`[가-힣]{2,}`)
	latinToken  = regexp.MustCompile(`[a-z][a-z0-9_]{2,}`)
)

// NewKeywords compiles the tables.
func NewKeywords(t KeywordTables) *Keywords {
	k := &Keywords{stop: make(map[string]bool, len(t.Stopwords)), max: t.MaxKeywords}
	for _, w := range t.Stopwords {
		k.stop[strings.ToLower(w)] = true
	}
	for _, c := range t.Categories {
		cc := compiledCategory{name: c.Name}
		for _, kw := range c.Keywords {
			kw = strings.ToLower(kw)
			expr := regexp.QuoteMeta(kw)
			if isASCII(kw) {
				expr = `\b` + expr
			}
			cc.keywords = append(cc.keywords, kw)
			cc.matchers = append(cc.matchers, regexp.MustCompile(expr))
		}
		k.categories = append(k.categories, cc)
	}
	return k
}

// Extract lowercases text and returns, in order: each matched category name
// followed by its matched keywords, then generic tokens (two or more Hangul
// syllables, or three or more Latin characters). Duplicates and stopwords are
// dropped and the list is capped.
func (k *Keywords) Extract(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var out []string
	add := func(w string) {
		if w == "" || seen[w] || k.stop[w] {
			return
		}
		if k.max > 0 && len(out) >= k.max {
			return
		}
		seen[w] = true
		out = append(out, w)
	}

	for _, c := range k.categories {
		var matched []string
		for i, m := range c.matchers {
			if m.MatchString(lower) {
				matched = append(matched, c.keywords[i])
			}
		}
		if len(matched) == 0 {
			continue
		}
		add(c.name)
		for _, w := range matched {
			add(w)
		}
	}

	for _, tok := range hangulToken.FindAllString(lower, -1) {
		add(tok)
	}
	for _, tok := range latinToken.FindAllString(lower, -1) {
		add(tok)
	}
	return out
}

// RepoKeywords derives keywords from recent commit subjects and changed file
// names, for turns that carry no query text.
func (k *Keywords) RepoKeywords(commits []git.Commit, files []string) []string {
	var b strings.Builder
	for _, c := range commits {
		b.WriteString(c.Subject)
		b.WriteByte('\n')
	}
	for _, f := range files {
		base := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		b.WriteString(splitIdentifier(base))
		b.WriteByte('\n')
	}
	return k.Extract(b.String())
}

// splitIdentifier turns "LoginScreen_v2" into "Login Screen v2".
func splitIdentifier(s string) string {
	var b strings.Builder
	var prev rune
	for i, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.':
			b.WriteByte(' ')
		case i > 0 && unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
