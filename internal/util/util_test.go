package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseNumericValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"15", 15, true},
		{" 12.5 ", 12.5, true},
		{"about 20 sources", 20, true},
		{"the estimate is 8, maybe 10", 8, true},
		{"between 10 and 12.", 12, true},
		{"a handful", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumericValue(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTruncateString(t *testing.T) {
	draft := "Quantum repeaters extend entanglement across long fiber links"

	assert.Equal(t, draft, TruncateString(draft, 200, true))
	assert.Equal(t, "Quantum repeaters...", TruncateString(draft, 24, true))
	assert.Equal(t, "Quantum repeaters ext...", TruncateString(draft, 24, false))
	assert.Equal(t, "..", TruncateString(draft, 2, false))
	assert.Equal(t, "", TruncateString(draft, 0, false))

	cjk := "量子 中继器 扩展 纠缠 距离 光纤 链路"
	out := TruncateString(cjk, 10, true)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 10)
	assert.Equal(t, "量子 中继器...", out)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héllo", TruncateRunes("héllo wörld", 5))
	assert.Equal(t, "short", TruncateRunes("short", 10))
	assert.Equal(t, "", TruncateRunes("anything", 0))
	assert.True(t, utf8.ValidString(TruncateRunes("日本語のテキスト", 3)))
}

func TestCollapseWhitespace(t *testing.T) {
	in := "  Title\t\tline \r\n\r\n\r\n  first   paragraph\ncontinues \n\n\n\nsecond"
	assert.Equal(t, "Title line\n\nfirst paragraph continues\n\nsecond", CollapseWhitespace(in))
	assert.Equal(t, "", CollapseWhitespace(" \n\n \t "))
}
