// Package tags derives a small tag set from text and changed file paths.
package tags

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// MaxTags caps the number of tags on a memory.
const MaxTags = 5

// KeywordTag maps a set of keywords to one tag.
type KeywordTag struct {
	Tag      string
	Keywords []string
}

// Tables is the configuration an Extractor is built from.
type Tables struct {
	Keywords   []KeywordTag
	Extensions map[string]string
	Max        int
}

// Extractor matches keyword and file-extension tables.
type Extractor struct {
	keywords   []compiledTag
	extensions map[string]string
	max        int
}

type compiledTag struct {
	tag string
	re  *regexp.Regexp
}

// New compiles the tables. ASCII keywords match on word boundaries so that
// short tags like "go" do not fire inside "good"; other scripts match as
// substrings.
func New(t Tables) *Extractor {
	e := &Extractor{extensions: make(map[string]string, len(t.Extensions)), max: t.Max}
	if e.max <= 0 {
		e.max = MaxTags
	}
	for ext, tag := range t.Extensions {
		e.extensions[strings.ToLower(ext)] = tag
	}
	for _, kt := range t.Keywords {
		var alts []string
		for _, kw := range kt.Keywords {
			q := regexp.QuoteMeta(strings.ToLower(kw))
			if isASCII(kw) {
				q = `\b` + q + `\b`
			}
			alts = append(alts, q)
		}
		if len(alts) == 0 {
			continue
		}
		e.keywords = append(e.keywords, compiledTag{
			tag: kt.Tag,
			re:  regexp.MustCompile(`(?i)(` + strings.Join(alts, "|") + `)`),
		})
	}
	return e
}

// Extract returns at most Max tags. Keyword tags come first, then
// file-extension tags; callers must not rely on the order.
func (e *Extractor) Extract(text string, changedFiles []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tag string) {
		if tag == "" || seen[tag] || len(out) >= e.max {
			return
		}
		seen[tag] = true
		out = append(out, tag)
	}

	for _, kt := range e.keywords {
		if kt.re.MatchString(text) {
			add(kt.tag)
		}
	}
	for _, f := range changedFiles {
		add(e.extensions[strings.ToLower(filepath.Ext(f))])
	}
	return out
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// DefaultTables returns the built-in keyword and extension tables.
func DefaultTables() Tables {
	return Tables{
		Max: MaxTags,
		Keywords: []KeywordTag{
			{Tag: "auth", Keywords: []string{"auth", "login", "logout", "oauth", "jwt", "token", "session", "인증", "로그인"}},
			{Tag: "api", Keywords: []string{"api", "endpoint", "rest", "graphql", "grpc", "request", "response", "요청", "응답"}},
			{Tag: "database", Keywords: []string{"database", "db", "sql", "sqlite", "postgres", "mysql", "migration", "schema", "데이터베이스", "스키마"}},
			{Tag: "ui", Keywords: []string{"ui", "css", "component", "layout", "style", "button", "modal", "화면", "디자인", "컴포넌트"}},
			{Tag: "state", Keywords: []string{"state", "redux", "zustand", "recoil", "context", "상태"}},
			{Tag: "navigation", Keywords: []string{"navigation", "router", "route", "screen", "deeplink", "네비게이션", "라우팅"}},
			{Tag: "testing", Keywords: []string{"test", "tests", "jest", "pytest", "vitest", "e2e", "coverage", "테스트"}},
			{Tag: "performance", Keywords: []string{"performance", "slow", "latency", "optimize", "cache", "memory leak", "성능", "최적화"}},
			{Tag: "deploy", Keywords: []string{"deploy", "deployment", "docker", "kubernetes", "ci", "pipeline", "release", "배포"}},
			{Tag: "security", Keywords: []string{"security", "secret", "vulnerability", "xss", "csrf", "보안"}},
			{Tag: "react", Keywords: []string{"react", "jsx", "hook", "hooks", "useeffect", "usestate", "react native"}},
			{Tag: "nextjs", Keywords: []string{"next.js", "nextjs", "app router"}},
			{Tag: "typescript", Keywords: []string{"typescript", "tsconfig"}},
			{Tag: "python", Keywords: []string{"python", "django", "fastapi", "pip"}},
			{Tag: "go", Keywords: []string{"golang", "go mod", "goroutine"}},
			{Tag: "git", Keywords: []string{"git", "rebase", "merge conflict", "branch"}},
		},
		Extensions: map[string]string{
			".ts": "typescript", ".tsx": "typescript",
			".js": "javascript", ".jsx": "javascript", ".mjs": "javascript",
			".py":    "python",
			".go":    "go",
			".rs":    "rust",
			".swift": "ios",
			".kt":    "android",
			".java":  "java",
			".sql":   "database",
			".css":   "styles", ".scss": "styles",
			".md":   "docs",
			".json": "config", ".yaml": "config", ".yml": "config", ".toml": "config",
			".sh": "scripts",
		},
	}
}
