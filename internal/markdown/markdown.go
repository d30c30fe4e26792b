// Package markdown extracts titles from generated articles and renders them to HTML.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// firstH1 returns the first level-1 heading of the document, or nil.
func firstH1(source []byte) *ast.Heading {
	doc := md.Parser().Parse(text.NewReader(source))
	var found *ast.Heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			found = h
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

// Title returns the text of the first H1, or "" when there is none.
func Title(markdown string) string {
	source := []byte(markdown)
	h := firstH1(source)
	if h == nil {
		return ""
	}
	return nodeText(h, source)
}

// StripTitle removes the first H1 (ATX or setext) and the blank lines after it.
func StripTitle(markdown string) string {
	source := []byte(markdown)
	h := firstH1(source)
	if h == nil || h.Lines().Len() == 0 {
		return markdown
	}

	first := h.Lines().At(0)
	last := h.Lines().At(h.Lines().Len() - 1)

	start := bytes.LastIndexByte(source[:first.Start], '\n') + 1
	pos := last.Stop - 1
	if pos < last.Start {
		pos = last.Start
	}
	end := lineEnd(source, pos)

	// setext underline
	if end < len(source) {
		next := lineEnd(source, end)
		underline := strings.TrimSpace(string(source[end:next]))
		if underline != "" && strings.Trim(underline, "=") == "" {
			end = next
		}
	}

	rest := strings.TrimLeft(string(source[end:]), "\r\n")
	return string(source[:start]) + rest
}

// ToHTML renders GitHub-flavoured markdown to HTML.
func ToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// lineEnd returns the index just past the newline ending the line at pos.
func lineEnd(source []byte, pos int) int {
	if pos >= len(source) {
		return len(source)
	}
	if i := bytes.IndexByte(source[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(source)
}

func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
