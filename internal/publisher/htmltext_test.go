package publisher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain paragraphs", "<p>hello</p><p>world</p>", "hello\n\nworld"},
		{"entities decoded", "<p>a &amp; b &#60;c&#x3E;</p>", "a & b <c>"},
		{"script discarded", "<p>before</p><script>alert(1)</script><p>after</p>", "before\n\nafter"},
		{"line breaks", "one<br>two", "one\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}

func TestSummarizeHTMLTruncates(t *testing.T) {
	long := "<p>" + strings.Repeat("word ", 200) + "</p>"
	got := SummarizeHTML(long)
	assert.LessOrEqual(t, len([]rune(got)), summaryMaxLen+1)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestSummarizeHTMLCollapsesWhitespace(t *testing.T) {
	got := SummarizeHTML("<p>first</p>\n\n<p>second</p>")
	assert.Equal(t, "first second", got)
}
