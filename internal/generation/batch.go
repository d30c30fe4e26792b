package generation

import (
	"context"
	"errors"

	"genpost/internal/contract"
)

// BatchOptions tunes GenerateBatch.
type BatchOptions struct {
	MinScore       int      // default 70
	ExistingTitles []string // titles already published
	Run            RunOptions
}

// BatchItem is one contract's outcome. Err is set when the contract was
// invalid or generation failed; the batch continues either way.
type BatchItem struct {
	Contract      contract.MessageContract
	Result        Result
	BelowMinScore bool
	Err           error
}

// GenerateBatch executes contracts in order. The title of every generated
// article is added to the existing titles seen by later critics. Low scores
// are flagged, never dropped. Only context cancellation stops the batch.
func (e *Engine) GenerateBatch(ctx context.Context, contracts []contract.MessageContract, opts BatchOptions) ([]BatchItem, error) {
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = 70
	}
	titles := append([]string(nil), opts.ExistingTitles...)

	items := make([]BatchItem, 0, len(contracts))
	for _, c := range contracts {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		res, err := e.ExecuteWith(ctx, c, titles, opts.Run)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return items, ctx.Err()
				}
			}
			e.log.Warn().Err(err).Str("contract", c.Ref()).Msg("Batch item failed")
			items = append(items, BatchItem{Contract: c, Err: err})
			continue
		}

		item := BatchItem{Contract: c, Result: res, BelowMinScore: res.Verdict.Score < minScore}
		if item.BelowMinScore {
			e.log.Warn().Int("score", res.Verdict.Score).Str("headline", c.Claim.Headline).Msg("Article scored below minimum")
		}
		items = append(items, item)

		if res.Title != "" {
			titles = append(titles, res.Title)
		}
	}
	return items, nil
}
