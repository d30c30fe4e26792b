package rag

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blankLines = regexp.MustCompile(`\n\s*\n+`)

// boilerplate is removed before text extraction.
const boilerplate = "script, style, nav, footer, header, aside, form, iframe, noscript, .sidebar, #sidebar, .ad, .advertisement, .popup, .modal, .cookie-banner"

var mainContentSelectors = []string{
	"article", "main", ".main-content", ".entry-content", ".post-content", ".post-body", ".article-body",
	"[role='main']",
	".content", "#content",
}

const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre"

// Page is the readable part of an HTML document.
type Page struct {
	Title string
	Text  string
}

// Extract pulls the title and main text out of an HTML page.
func Extract(r io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse html: %w", err)
	}

	page := Page{Title: extractTitle(doc)}
	doc.Find(boilerplate).Remove()

	var sb strings.Builder
	collect := func(s *goquery.Selection) {
		s.Find(blockSelector).Each(func(_ int, item *goquery.Selection) {
			if text := strings.TrimSpace(item.Text()); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n\n")
			}
		})
	}
	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) { collect(s) })
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		collect(doc.Find("body"))
	}

	page.Text = strings.TrimSpace(blankLines.ReplaceAllString(sb.String(), "\n\n"))
	if page.Title == "" {
		words := strings.Fields(page.Text)
		if len(words) > 10 {
			words = words[:10]
		}
		page.Title = strings.Join(words, " ")
	}
	return page, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if og, _ := doc.Find("meta[property='og:title']").Attr("content"); strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}
