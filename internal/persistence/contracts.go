package persistence

import (
	"context"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type contractRepo struct{ repo }

func (r *contractRepo) Create(ctx context.Context, c *core.StoredContract) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := r.exec(ctx, `
		INSERT INTO contracts (id, user_id, name, version, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Name, c.Version, string(c.Body), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (r *contractRepo) Get(ctx context.Context, id string) (*core.StoredContract, error) {
	var c core.StoredContract
	var body string
	err := r.row(ctx, `
		SELECT id, user_id, name, version, body, created_at, updated_at
		FROM contracts WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.Name, &c.Version, &body, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Body = []byte(body)
	return &c, nil
}

func (r *contractRepo) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]core.StoredContract, error) {
	rows, err := r.rows(ctx, `
		SELECT id, user_id, name, version, body, created_at, updated_at
		FROM contracts WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, userID, limitOr(opts.Limit, 100), opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StoredContract
	for rows.Next() {
		var c core.StoredContract
		var body string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Version, &body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Body = []byte(body)
		out = append(out, c)
	}
	return out, rows.Err()
}

type auditRepo struct{ repo }

func (r *auditRepo) Create(ctx context.Context, a *core.GenerationAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = utc(a.CreatedAt)

	_, err := r.exec(ctx, `
		INSERT INTO generation_audit (
			id, user_id, site_id, job_id, contract_ref, model, mode,
			elapsed_ms, score, retries, cost_usd, prompt_hash, chars, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.SiteID, a.JobID, a.ContractRef, a.Model, string(a.Mode),
		a.ElapsedMS, a.Score, a.Retries, a.CostUSD, a.PromptHash, a.Chars, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert generation audit: %w", err)
	}
	return nil
}

func (r *auditRepo) ListRecent(ctx context.Context, userID string, limit int) ([]core.GenerationAudit, error) {
	rows, err := r.rows(ctx, `
		SELECT id, user_id, site_id, job_id, contract_ref, model, mode,
		       elapsed_ms, score, retries, cost_usd, prompt_hash, chars, created_at
		FROM generation_audit WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limitOr(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.GenerationAudit
	for rows.Next() {
		var a core.GenerationAudit
		var mode string
		if err := rows.Scan(&a.ID, &a.UserID, &a.SiteID, &a.JobID, &a.ContractRef, &a.Model, &mode,
			&a.ElapsedMS, &a.Score, &a.Retries, &a.CostUSD, &a.PromptHash, &a.Chars, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Mode = core.GenerationMode(mode)
		out = append(out, a)
	}
	return out, rows.Err()
}
