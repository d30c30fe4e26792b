// Package rag stores site documents and retrieves the ones most relevant to
// a generation topic as prompt context.
package rag

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"genpost/internal/core"
	"genpost/internal/generation"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/rs/zerolog"
)

const (
	snippetRunes    = 400
	defaultTopK     = 5
	keywordMinScore = 0.1
)

// Card is one retrieved document.
type Card struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Retriever ingests and searches site documents. Without an embedder it
// falls back to keyword scoring.
type Retriever struct {
	docs     persistence.RAGRepository
	embedder llm.Embedder
	client   *http.Client
	log      zerolog.Logger

	// MinSimilarity drops embedding matches below it.
	MinSimilarity float64
	Observer      generation.Observer
}

// NewRetriever creates a Retriever. embedder may be nil.
func NewRetriever(docs persistence.RAGRepository, embedder llm.Embedder) *Retriever {
	return &Retriever{
		docs:          docs,
		embedder:      embedder,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           logger.Component("rag"),
		MinSimilarity: 0.2,
	}
}

// AddDocument embeds and stores a document.
func (r *Retriever) AddDocument(ctx context.Context, siteID, title, url, content string) (*core.RAGDoc, error) {
	content = strings.TrimSpace(content)
	if siteID == "" || content == "" {
		return nil, fmt.Errorf("%w: site id and content are required", core.ErrConfiguration)
	}
	doc := &core.RAGDoc{SiteID: siteID, Title: title, URL: url, Content: content}
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed document: %w", err)
		}
		doc.Embedding = vec
	}
	if err := r.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	r.log.Info().Str("site_id", siteID).Str("title", title).Int("chars", utf8.RuneCountInString(content)).Msg("Document stored")
	return doc, nil
}

// IngestURL fetches a page and stores its readable text.
func (r *Retriever) IngestURL(ctx context.Context, siteID, url string) (*core.RAGDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "genpost/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL %s: status code %d", url, resp.StatusCode)
	}

	page, err := Extract(resp.Body)
	if err != nil {
		return nil, err
	}
	return r.AddDocument(ctx, siteID, page.Title, url, page.Text)
}

// Search returns up to topK documents of the site ranked against query.
func (r *Retriever) Search(ctx context.Context, siteID, query string, topK int) ([]Card, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	docs, err := r.docs.ListBySite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var qvec []float64
	if r.embedder != nil && hasEmbeddings(docs) {
		qvec, err = r.embedder.Embed(ctx, query)
		if err != nil {
			r.log.Warn().Err(err).Str("site_id", siteID).Msg("Query embedding failed, using keyword scoring")
			qvec = nil
		}
	}

	cards := make([]Card, 0, len(docs))
	for _, d := range docs {
		var score, floor float64
		if qvec != nil && len(d.Embedding) > 0 {
			score, floor = llm.CosineSimilarity(qvec, d.Embedding), r.MinSimilarity
		} else {
			score, floor = keywordScore(query, d), keywordMinScore
		}
		if score <= floor {
			continue
		}
		cards = append(cards, Card{ID: d.ID, Title: d.Title, URL: d.URL, Snippet: snippet(d.Content), Score: score})
	}

	sort.SliceStable(cards, func(i, j int) bool { return cards[i].Score > cards[j].Score })
	if len(cards) > topK {
		cards = cards[:topK]
	}
	return cards, nil
}

// Context searches and renders the hits as a prompt context block. Search
// failures yield an empty context.
func (r *Retriever) Context(ctx context.Context, userID, siteID, query string, topK int) string {
	start := time.Now()
	cards, err := r.Search(ctx, siteID, query, topK)
	if err != nil {
		r.log.Warn().Err(err).Str("site_id", siteID).Msg("Context search failed")
		return ""
	}
	if r.Observer != nil {
		r.Observer.Record(ctx, core.GenEvent{
			Type:      core.EventRAGSearch,
			UserID:    userID,
			SiteID:    siteID,
			Topic:     query,
			ElapsedMS: time.Since(start).Milliseconds(),
			RAGUsed:   len(cards) > 0,
			Metadata:  map[string]any{"hits": len(cards)},
		})
	}
	return Format(cards)
}

// Format renders cards as a numbered list.
func Format(cards []Card) string {
	var sb strings.Builder
	for i, c := range cards {
		fmt.Fprintf(&sb, "[%d] %s", i+1, c.Title)
		if c.URL != "" {
			fmt.Fprintf(&sb, " (%s)", c.URL)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Snippet)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// keywordScore counts query word occurrences: 0.1 per hit in the content,
// 0.5 per word found in the title, capped at 1.
func keywordScore(query string, d core.RAGDoc) float64 {
	content := strings.ToLower(d.Content)
	title := strings.ToLower(d.Title)
	var score float64
	for _, kw := range strings.Fields(strings.ToLower(query)) {
		score += 0.1 * float64(strings.Count(content, kw))
		if strings.Contains(title, kw) {
			score += 0.5
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	return string([]rune(content)[:snippetRunes])
}

func hasEmbeddings(docs []core.RAGDoc) bool {
	for _, d := range docs {
		if len(d.Embedding) > 0 {
			return true
		}
	}
	return false
}
