package textfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldSkip(t *testing.T) {
	f := New(DefaultTables())

	tests := []struct {
		name string
		text string
		skip bool
		rule string
	}{
		{"blank", "   \n\t", true, "blank"},
		{"greeting", "Hello!", true, "greeting"},
		{"korean greeting", "안녕하세요", true, "greeting"},
		{"thanks", "thank you!!", true, "thanks"},
		{"ack", "ok", true, "ack"},
		{"korean ack", "넵", true, "ack"},
		{"laughter", "ㅋㅋㅋㅋ", true, "ack"},
		{"question word", "why?", true, "question-word"},
		{"short", "fix the bug", true, "too-short"},
		{"short korean", "버그 고쳐줘", true, "too-short"},
		{"substantive", "We decided to use SQLite instead of Postgres because it is local.", false, ""},
		{"twenty chars exactly", "abcdefghijklmnopqrst", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, skip := f.SkipReason(tt.text)
			assert.Equal(t, tt.skip, skip)
			assert.Equal(t, tt.rule, rule)
			assert.Equal(t, tt.skip, f.ShouldSkip(tt.text))
		})
	}
}

func TestCheckOverride(t *testing.T) {
	f := New(DefaultTables())

	assert.Equal(t, Override{}, f.CheckOverride("plain text with no markers at all"))
	assert.Equal(t, Override{ForceRemember: true}, f.CheckOverride("#remember the api key lives in vault"))
	assert.Equal(t, Override{ForceRemember: true}, f.CheckOverride("이 설정 기억해"))
	assert.Equal(t, Override{ForceSkip: true}, f.CheckOverride("[SKIP] scratch notes"))
}

func TestCheckOverride_SkipBeatsRemember(t *testing.T) {
	f := New(DefaultTables())

	o := f.CheckOverride("<remember> this but also <skip> it")
	assert.True(t, o.ForceSkip)
	assert.False(t, o.ForceRemember)
}

func TestStripMarkers(t *testing.T) {
	f := New(DefaultTables())

	assert.Equal(t, "the deploy key rotates monthly", f.StripMarkers("#remember the deploy key rotates monthly"))
	assert.Equal(t, "no markers here", f.StripMarkers("  no markers here "))
}
