package persistence

import (
	"context"
	"fmt"
	"time"

	"genpost/internal/core"

	"github.com/google/uuid"
)

type banditRepo struct{ repo }

func (r *banditRepo) Get(ctx context.Context, siteID, banditType string) (*core.BanditRecord, error) {
	var rec core.BanditRecord
	var state string
	err := r.row(ctx, `
		SELECT site_id, type, state, version, updated_at FROM bandit_configs
		WHERE site_id = ? AND type = ?
	`, siteID, banditType).Scan(&rec.SiteID, &rec.Type, &state, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	rec.State = []byte(state)
	return &rec, nil
}

func (r *banditRepo) Create(ctx context.Context, rec *core.BanditRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.UpdatedAt = time.Now().UTC()

	res, err := r.exec(ctx, `
		INSERT INTO bandit_configs (site_id, type, state, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (site_id, type) DO NOTHING
	`, rec.SiteID, rec.Type, string(rec.State), rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bandit state: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *banditRepo) CompareAndSwap(ctx context.Context, siteID, banditType string, expected int64, state []byte) error {
	res, err := r.exec(ctx, `
		UPDATE bandit_configs
		SET state = ?, version = version + 1, updated_at = ?
		WHERE site_id = ? AND type = ? AND version = ?
	`, string(state), time.Now().UTC(), siteID, banditType, expected)
	if err != nil {
		return fmt.Errorf("failed to update bandit state: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *banditRepo) LogSelection(ctx context.Context, siteID, banditType, choice string) error {
	_, err := r.exec(ctx, `
		INSERT INTO bandit_selections (id, site_id, type, choice, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), siteID, banditType, choice, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log bandit selection: %w", err)
	}
	return nil
}

func (r *banditRepo) LogFeedback(ctx context.Context, siteID, banditType, choice string, reward float64) error {
	_, err := r.exec(ctx, `
		INSERT INTO bandit_feedback (id, site_id, type, choice, reward, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), siteID, banditType, choice, reward, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log bandit feedback: %w", err)
	}
	return nil
}
