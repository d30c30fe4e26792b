package persistence

import (
	"context"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type articleRepo struct{ repo }

// Create stores the article; SimHash is kept as its int64 bit pattern.
func (r *articleRepo) Create(ctx context.Context, rec *core.DuplicateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = utc(rec.CreatedAt)

	_, err := r.exec(ctx, `
		INSERT INTO generated_articles (id, user_id, site_id, title, slug, content, simhash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.SiteID, rec.Title, rec.Slug, rec.Content, int64(rec.SimHash), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert generated article: %w", err)
	}
	return nil
}

func (r *articleRepo) RecentTitles(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := r.rows(ctx, `
		SELECT title FROM generated_articles
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limitOr(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

func (r *articleRepo) FingerprintsSince(ctx context.Context, siteID string, since time.Time) ([]core.Fingerprint, error) {
	rows, err := r.rows(ctx, `
		SELECT site_id, title, simhash, created_at FROM generated_articles
		WHERE site_id = ? AND created_at > ?
		ORDER BY created_at DESC
	`, siteID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Fingerprint
	for rows.Next() {
		var fp core.Fingerprint
		var hash int64
		if err := rows.Scan(&fp.SiteID, &fp.Title, &hash, &fp.CreatedAt); err != nil {
			return nil, err
		}
		fp.SimHash = uint64(hash)
		out = append(out, fp)
	}
	return out, rows.Err()
}

type embeddingRepo struct{ repo }

func (r *embeddingRepo) Create(ctx context.Context, rec *core.EmbeddingRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	vector, err := toJSON(rec.Vector, "[]")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO article_embeddings (id, user_id, article_key, title, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Key, rec.Title, vector, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

func (r *embeddingRepo) Recent(ctx context.Context, userID string, limit int) ([]core.EmbeddingRecord, error) {
	rows, err := r.rows(ctx, `
		SELECT id, user_id, article_key, title, vector FROM article_embeddings
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limitOr(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.EmbeddingRecord
	for rows.Next() {
		var rec core.EmbeddingRecord
		var vector string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Key, &rec.Title, &vector); err != nil {
			return nil, err
		}
		if err := fromJSON(vector, &rec.Vector); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
