package memory

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_Canonical(t *testing.T) {
	a := Hash("Use   SQLite\n for the cache ")
	b := Hash("use sqlite for the cache")

	assert.Equal(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), a)
	assert.NotEqual(t, a, Hash("use postgres for the cache"))
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "a b c", Canonicalize("  A\tb\n\nC  "))
	assert.Equal(t, "", Canonicalize(" \n "))
}

func TestPrefixAndStripHash(t *testing.T) {
	h := Hash("hello world")
	content := PrefixHash(h, "hello world")

	assert.Equal(t, "["+h+"] hello world", content)
	assert.Equal(t, "hello world", StripHash(content))
	assert.Equal(t, "[not-a-hash] text", StripHash("[not-a-hash] text"))
}
