// Package richtext sanitizes the HTML produced by the rich-text editor used
// for task descriptions and context cards, and derives plain text,
// previews and Markdown from it.
package richtext

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var spanClass = regexp.MustCompile(`^(text|bg)-[a-z]+(-[0-9]{2,3})?( (text|bg)-[a-z]+(-[0-9]{2,3})?)*$`)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy

	converterOnce sync.Once
	converter     *md.Converter
)

func sanitizer() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements(
			"p", "br", "strong", "b", "em", "i", "u", "s", "strike",
			"ul", "ol", "li", "blockquote", "code", "pre", "h1", "h2", "h3", "hr",
		)
		p.AllowAttrs("href").OnElements("a")
		p.AllowURLSchemes("http", "https", "mailto")
		p.RequireParseableURLs(true)
		p.RequireNoFollowOnLinks(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		p.AllowAttrs("class").Matching(spanClass).OnElements("span")
		p.AllowElements("span")
		policy = p
	})
	return policy
}

// Sanitize strips everything outside the editor allow-list.
func Sanitize(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	return strings.TrimSpace(sanitizer().Sanitize(input))
}

var blockElements = map[string]bool{
	"p": true, "br": true, "li": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "hr": true, "div": true, "ul": true, "ol": true,
}

// PlainText returns the visible text of an HTML fragment with whitespace
// collapsed to single spaces.
func PlainText(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	nodes, err := html.ParseFragment(strings.NewReader(input), &html.Node{Type: html.ElementNode, Data: "body"})
	if err != nil {
		return strings.Join(strings.Fields(input), " ")
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte(' ')
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// IsBlank reports whether the fragment has no visible text.
func IsBlank(input string) bool {
	return PlainText(input) == ""
}

// Preview returns at most limit runes of plain text, ending in an ellipsis
// when cut.
func Preview(input string, limit int) string {
	text := PlainText(input)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

// ToMarkdown converts sanitized HTML to GitHub flavored Markdown.
func ToMarkdown(input string) (string, error) {
	converterOnce.Do(func() {
		converter = md.NewConverter("", true, nil)
		converter.Use(plugin.GitHubFlavored())
	})
	out, err := converter.ConvertString(Sanitize(input))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
