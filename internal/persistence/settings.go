package persistence

import (
	"context"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type ragRepo struct{ repo }

func (r *ragRepo) Create(ctx context.Context, doc *core.RAGDoc) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt = utc(doc.CreatedAt)
	embedding, err := toJSON(doc.Embedding, "[]")
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO rag_docs (id, site_id, title, url, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.SiteID, doc.Title, doc.URL, doc.Content, embedding, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rag doc: %w", err)
	}
	return nil
}

func (r *ragRepo) ListBySite(ctx context.Context, siteID string) ([]core.RAGDoc, error) {
	rows, err := r.rows(ctx, `
		SELECT id, site_id, title, url, content, embedding, created_at FROM rag_docs
		WHERE site_id = ?
		ORDER BY created_at ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RAGDoc
	for rows.Next() {
		var doc core.RAGDoc
		var embedding string
		if err := rows.Scan(&doc.ID, &doc.SiteID, &doc.Title, &doc.URL, &doc.Content, &embedding, &doc.CreatedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(embedding, &doc.Embedding); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type userSettingsRepo struct{ repo }

func (r *userSettingsRepo) Get(ctx context.Context, userID string) (*core.UserSettings, error) {
	var s core.UserSettings
	err := r.row(ctx, `
		SELECT user_id, pack_version, default_model, use_critique, use_rag, updated_at
		FROM user_settings WHERE user_id = ?
	`, userID).Scan(&s.UserID, &s.PackVersion, &s.DefaultModel, &s.UseCritique, &s.UseRAG, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *userSettingsRepo) Upsert(ctx context.Context, s *core.UserSettings) error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user settings need a user id", core.ErrConfiguration)
	}
	s.UpdatedAt = time.Now().UTC()

	_, err := r.exec(ctx, `
		INSERT INTO user_settings (user_id, pack_version, default_model, use_critique, use_rag, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			pack_version = excluded.pack_version,
			default_model = excluded.default_model,
			use_critique = excluded.use_critique,
			use_rag = excluded.use_rag,
			updated_at = excluded.updated_at
	`, s.UserID, s.PackVersion, s.DefaultModel, s.UseCritique, s.UseRAG, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user settings: %w", err)
	}
	return nil
}
