package compact

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateRunes_KeepsUTF8Intact(t *testing.T) {
	// "é" is two bytes; a cap that lands mid-rune must back up to the
	// rune's start instead of emitting a broken byte.
	text := strings.Repeat("é", 1200)
	got := truncateRunes(text, 1997)
	assert.True(t, utf8.ValidString(got), "truncated text must stay valid UTF-8")
	assert.Equal(t, strings.Repeat("é", 998)+"...", got)

	assert.Equal(t, "short", truncateRunes("short", 1997), "short text passes through")
}
