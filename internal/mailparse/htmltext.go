package mailparse

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// htmlSkip are elements whose text content is discarded.
var htmlSkip = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// htmlToText converts an HTML body to plain text, used when a message
// carries no text/plain part. Block elements become single spaces so the
// preview stays readable.
func htmlToText(r io.Reader) string {
	tokenizer := html.NewTokenizer(r)
	var b strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if htmlSkip[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if htmlSkip[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}
