// Package dedup rejects articles that repeat earlier titles, topics or bodies.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genpost/internal/config"
	"genpost/internal/core"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"
)

// Reason names which check matched.
type Reason string

const (
	ReasonLexical  Reason = "lexical"
	ReasonSemantic Reason = "semantic"
	ReasonSimHash  Reason = "simhash"
)

const maxSlugLength = 80

// Options tunes the detector.
type Options struct {
	Lookback          int
	SemanticThreshold float64
	SimHashThreshold  int
	SimHashWindow     time.Duration
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		Lookback:          200,
		SemanticThreshold: 0.87,
		SimHashThreshold:  6,
		SimHashWindow:     30 * 24 * time.Hour,
	}
}

// OptionsFromConfig fills Options from the dedup config section.
func OptionsFromConfig(cfg config.Dedup) Options {
	opts := DefaultOptions()
	if cfg.Lookback > 0 {
		opts.Lookback = cfg.Lookback
	}
	if cfg.SemanticThreshold > 0 {
		opts.SemanticThreshold = cfg.SemanticThreshold
	}
	if cfg.SimHashThreshold > 0 {
		opts.SimHashThreshold = cfg.SimHashThreshold
	}
	opts.SimHashWindow = config.Duration(cfg.SimHashWindow, opts.SimHashWindow)
	return opts
}

// Verdict is the outcome of a title check. Similarity is the highest cosine
// similarity seen, or 1 for a lexical match.
type Verdict struct {
	IsDuplicate  bool      `json:"is_duplicate"`
	Reason       Reason    `json:"reason,omitempty"`
	Similarity   float64   `json:"similarity"`
	MatchedTitle string    `json:"matched_title,omitempty"`
	Embedding    []float64 `json:"-"`
}

// Conflict returns a *DuplicateConflict for a duplicate verdict, nil otherwise.
func (v Verdict) Conflict() error {
	if !v.IsDuplicate {
		return nil
	}
	return &DuplicateConflict{Reason: v.Reason, Similarity: v.Similarity, MatchedTitle: v.MatchedTitle}
}

// ContentVerdict is the outcome of a body fingerprint check.
type ContentVerdict struct {
	IsDuplicate  bool   `json:"is_duplicate"`
	Distance     int    `json:"distance"`
	Similarity   int    `json:"similarity"` // percent
	MatchedTitle string `json:"matched_title,omitempty"`
	SimHash      uint64 `json:"simhash"`
}

// Conflict returns a *DuplicateConflict for a duplicate verdict, nil otherwise.
func (v ContentVerdict) Conflict() error {
	if !v.IsDuplicate {
		return nil
	}
	return &DuplicateConflict{Reason: ReasonSimHash, Similarity: float64(v.Similarity) / 100, MatchedTitle: v.MatchedTitle}
}

// DuplicateConflict is the user-visible rejection of a duplicate article.
type DuplicateConflict struct {
	Reason       Reason
	Similarity   float64
	MatchedTitle string
}

func (e *DuplicateConflict) Error() string {
	if e.MatchedTitle != "" {
		return fmt.Sprintf("duplicate article (%s, similarity %.2f): matches %q", e.Reason, e.Similarity, e.MatchedTitle)
	}
	return fmt.Sprintf("duplicate article (%s, similarity %.2f)", e.Reason, e.Similarity)
}

// Detector checks candidates against a user's and a site's published corpus.
type Detector struct {
	articles   persistence.ArticleRepository
	embeddings persistence.EmbeddingRepository
	embedder   llm.Embedder
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

// NewDetector builds a Detector. A nil embedder disables the semantic check.
func NewDetector(articles persistence.ArticleRepository, embeddings persistence.EmbeddingRepository, embedder llm.Embedder, opts Options) *Detector {
	return &Detector{
		articles:   articles,
		embeddings: embeddings,
		embedder:   embedder,
		opts:       opts,
		log:        logger.Component("dedup"),
		now:        time.Now,
	}
}

// Key is the text embedded for the semantic check.
func Key(title, primaryKeyword string) string {
	return title + " | " + primaryKeyword
}

// Slug builds a URL slug of at most 80 characters.
func Slug(title string) string {
	s := slug.Make(title)
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	return s
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// Check runs the lexical then the semantic check for a candidate title.
func (d *Detector) Check(ctx context.Context, userID, title, primaryKeyword string) (Verdict, error) {
	titles, err := d.articles.RecentTitles(ctx, userID, d.opts.Lookback)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load recent titles: %w", err)
	}

	want := normalizeTitle(title)
	for _, existing := range titles {
		if normalizeTitle(existing) == want {
			d.log.Debug().Str("user_id", userID).Str("title", title).Msg("Lexical duplicate")
			return Verdict{IsDuplicate: true, Reason: ReasonLexical, Similarity: 1, MatchedTitle: existing}, nil
		}
	}

	if d.embedder == nil {
		return Verdict{}, nil
	}

	recent, err := d.embeddings.Recent(ctx, userID, d.opts.Lookback)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load recent embeddings: %w", err)
	}
	if len(recent) == 0 {
		return Verdict{}, nil
	}

	candidate, err := d.embedder.Embed(ctx, Key(title, primaryKeyword))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to embed candidate: %w", err)
	}

	verdict := Verdict{Embedding: candidate}
	for _, rec := range recent {
		sim := llm.CosineSimilarity(candidate, rec.Vector)
		if sim > verdict.Similarity {
			verdict.Similarity = sim
			verdict.MatchedTitle = rec.Title
		}
	}
	if verdict.Similarity >= d.opts.SemanticThreshold {
		verdict.IsDuplicate = true
		verdict.Reason = ReasonSemantic
		d.log.Debug().Str("user_id", userID).Float64("similarity", verdict.Similarity).Msg("Semantic duplicate")
	} else {
		verdict.MatchedTitle = ""
	}
	return verdict, nil
}

// CheckContent compares the body's SimHash with the site's recent fingerprints.
func (d *Detector) CheckContent(ctx context.Context, siteID, content string) (ContentVerdict, error) {
	hash := Fingerprint(content)
	verdict := ContentVerdict{SimHash: hash, Distance: 64}

	fps, err := d.articles.FingerprintsSince(ctx, siteID, d.now().Add(-d.opts.SimHashWindow))
	if err != nil {
		return verdict, fmt.Errorf("failed to load fingerprints: %w", err)
	}

	for _, fp := range fps {
		dist := Hamming(hash, fp.SimHash)
		if dist < verdict.Distance {
			verdict.Distance = dist
			verdict.MatchedTitle = fp.Title
		}
	}
	verdict.Similarity = SimilarityPercent(verdict.Distance)
	if verdict.Distance <= d.opts.SimHashThreshold {
		verdict.IsDuplicate = true
	} else {
		verdict.MatchedTitle = ""
	}
	return verdict, nil
}

// Record appends a published article to the corpus: title, fingerprint and
// (when an embedder is configured) the embedding of its key.
func (d *Detector) Record(ctx context.Context, rec core.DuplicateRecord, primaryKeyword string) error {
	rec.Key = Key(rec.Title, primaryKeyword)
	if rec.Slug == "" {
		rec.Slug = Slug(rec.Title)
	}
	if rec.Content != "" && rec.SimHash == 0 {
		rec.SimHash = Fingerprint(rec.Content)
	}
	if err := d.articles.Create(ctx, &rec); err != nil {
		return err
	}

	vector := rec.Embedding
	if vector == nil && d.embedder != nil {
		v, err := d.embedder.Embed(ctx, rec.Key)
		if err != nil {
			return fmt.Errorf("failed to embed %q: %w", rec.Key, err)
		}
		vector = v
	}
	if vector == nil {
		return nil
	}
	return d.embeddings.Create(ctx, &core.EmbeddingRecord{
		UserID: rec.UserID,
		Key:    rec.Key,
		Title:  rec.Title,
		Vector: vector,
	})
}
