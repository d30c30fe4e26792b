package markdown

import (
	"strings"
	"testing"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{"atx", "# Fresh Bread Daily\n\nBody text.", "Fresh Bread Daily"},
		{"inline markup", "# Why **sourdough** wins with `rye`\n", "Why sourdough wins with rye"},
		{"setext", "Fresh Bread Daily\n=================\n\nBody.", "Fresh Bread Daily"},
		{"h2 before h1", "## Intro\n\n# Real Title\n", "Real Title"},
		{"no heading", "Just a paragraph.", ""},
		{"hash inside code", "```\n# not a title\n```\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.markdown); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripTitle(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{"atx", "# Title\n\nFirst paragraph.\n", "First paragraph.\n"},
		{"setext", "Title\n=====\n\nBody.", "Body."},
		{"keeps preamble", "Intro line\n\n# Title\n\nBody", "Intro line\n\nBody"},
		{"no title", "Body only", "Body only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripTitle(tt.markdown); got != tt.want {
				t.Errorf("StripTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToHTML(t *testing.T) {
	html, err := ToHTML("# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	if err != nil {
		t.Fatalf("ToHTML() error = %v", err)
	}
	if !strings.Contains(html, "<h1>Title</h1>") {
		t.Errorf("missing heading in %q", html)
	}
	if !strings.Contains(html, "<table>") {
		t.Errorf("GFM table not rendered in %q", html)
	}
}
