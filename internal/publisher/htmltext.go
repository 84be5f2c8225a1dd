package publisher

import (
	"strings"

	"golang.org/x/net/html"
)

// HTMLToText converts an ActivityPub HTML content field to plain text. It
// uses the standard HTML tokenizer so that all entity references — named
// (&amp;), decimal (&#60;), and hexadecimal (&#x3C;) — are decoded
// correctly. <script> and <style> content is discarded entirely.
func HTMLToText(h string) string {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	skipContent := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				sb.WriteString(html.UnescapeString(string(z.Raw())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = true
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = false
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// SummarizeHTML produces the plain-text summary excerpt for content that only
// exists as rendered HTML (remote articles carry no Markdown source).
func SummarizeHTML(h string) string {
	stripped := strings.Join(strings.Fields(HTMLToText(h)), " ")
	runes := []rune(stripped)
	if len(runes) <= summaryMaxLen {
		return stripped
	}
	return string(runes[:summaryMaxLen]) + "…"
}
