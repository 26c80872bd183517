package gemini

import (
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/vango-go/plantassist/pkg/core/types"
)

var markdown = goldmark.New()

// ParseMarkdownLinks extracts [title](url) links from a model response, in
// order, skipping links whose destination is not an absolute http(s) URL.
// Duplicate URLs are kept once.
func ParseMarkdownLinks(src string) []types.MediaRef {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var out []types.MediaRef
	seen := make(map[string]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		link, ok := n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := strings.TrimSpace(string(link.Destination))
		if !isWebURL(dest) || seen[dest] {
			return ast.WalkSkipChildren, nil
		}
		title := strings.TrimSpace(inlineText(link, source))
		if title == "" {
			title = dest
		}
		seen[dest] = true
		out = append(out, types.MediaRef{Title: title, URL: dest})
		return ast.WalkSkipChildren, nil
	})
	return out
}

func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		default:
			b.WriteString(inlineText(c, source))
		}
	}
	return b.String()
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isVideoURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	return host == "youtube.com" || host == "youtu.be"
}
