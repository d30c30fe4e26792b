package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"genpost/internal/core"
	"genpost/internal/logger"
	"genpost/internal/persistence"

	"github.com/rs/zerolog"
)

// Bandit types stored per site.
const (
	TypeCTA     = "cta"
	TypeHeading = "heading"
)

// ContractCTAType is the bandit type for one contract's CTA arms. Contracts
// on the same site carry different copy and never share a bandit.
func ContractCTAType(contractID string) string {
	if contractID == "" {
		return TypeCTA
	}
	return TypeCTA + ":" + contractID
}

// CTACandidates are stock CTA copies grouped by CTA type.
var CTACandidates = map[string][]string{
	"call": {
		"Call us today",
		"Give us a call, no pressure",
		"Start with a quick phone call",
	},
	"contact": {
		"Get in touch here",
		"Send us a message first",
		"Book a free consultation",
	},
	"trial": {
		"Start your free trial",
		"Try it free first",
		"Claim your free trial now",
	},
}

// HeadingCandidates are stock section headings grouped by industry.
var HeadingCandidates = map[string][]string{
	"restaurant": {
		"Why guests keep coming back",
		"The secret to staying a local favourite",
		"What turns first visits into regulars",
	},
	"retail": {
		"Why these products keep selling",
		"What our customers choose and why",
		"The story behind our best sellers",
	},
}

// DefaultChoices returns the stock candidates for a bandit type and group,
// falling back to the "contact" CTA set.
func DefaultChoices(banditType, group string) []string {
	switch banditType {
	case TypeHeading:
		if c, ok := HeadingCandidates[group]; ok {
			return append([]string(nil), c...)
		}
		return append([]string(nil), HeadingCandidates["restaurant"]...)
	default:
		if c, ok := CTACandidates[group]; ok {
			return append([]string(nil), c...)
		}
		return append([]string(nil), CTACandidates["contact"]...)
	}
}

const defaultMaxRetries = 5

// Optimizer runs bandits whose state lives in a BanditRepository. Feedback
// is applied read-modify-write with a version check, so concurrent updates
// never lose plays.
type Optimizer struct {
	repo       persistence.BanditRepository
	log        zerolog.Logger
	MaxRetries int
}

// NewOptimizer creates an Optimizer over repo.
func NewOptimizer(repo persistence.BanditRepository) *Optimizer {
	return &Optimizer{
		repo:       repo,
		log:        logger.Component("bandit"),
		MaxRetries: defaultMaxRetries,
	}
}

// load returns the stored bandit and its version, creating it from defaults
// on first use.
func (o *Optimizer) load(ctx context.Context, siteID, banditType string, defaults []string) (*UCB1, int64, error) {
	rec, err := o.repo.Get(ctx, siteID, banditType)
	if err == nil {
		var b UCB1
		if err := json.Unmarshal(rec.State, &b); err != nil {
			return nil, 0, fmt.Errorf("failed to decode bandit %s/%s: %w", siteID, banditType, err)
		}
		return &b, rec.Version, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) || defaults == nil {
		return nil, 0, err
	}

	b, err := New(defaults)
	if err != nil {
		return nil, 0, err
	}
	state, err := json.Marshal(b)
	if err != nil {
		return nil, 0, err
	}
	err = o.repo.Create(ctx, &core.BanditRecord{SiteID: siteID, Type: banditType, State: state, Version: 1})
	if errors.Is(err, persistence.ErrVersionConflict) {
		// created concurrently
		return o.load(ctx, siteID, banditType, nil)
	}
	if err != nil {
		return nil, 0, err
	}
	o.log.Info().Str("site_id", siteID).Str("type", banditType).Int("choices", len(defaults)).Msg("Created bandit")
	return b, 1, nil
}

// PickAndRecord selects a choice for (site, type), creating the bandit from
// defaults on first use, and logs the selection.
func (o *Optimizer) PickAndRecord(ctx context.Context, siteID, banditType string, defaults []string) (string, error) {
	b, _, err := o.load(ctx, siteID, banditType, defaults)
	if err != nil {
		return "", fmt.Errorf("failed to load bandit: %w", err)
	}

	choice := b.Pick()
	if err := o.repo.LogSelection(ctx, siteID, banditType, choice); err != nil {
		return "", err
	}
	o.log.Debug().Str("site_id", siteID).Str("type", banditType).Str("choice", choice).Msg("Bandit pick")
	return choice, nil
}

// RecordFeedback applies a reward and logs it. Version conflicts are retried
// up to MaxRetries times.
func (o *Optimizer) RecordFeedback(ctx context.Context, siteID, banditType, choice string, reward float64) error {
	retries := o.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, version, err := o.load(ctx, siteID, banditType, nil)
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: no %s bandit for site %s", core.ErrConfiguration, banditType, siteID)
		}
		if err != nil {
			return fmt.Errorf("failed to load bandit: %w", err)
		}
		if err := b.Feedback(choice, reward); err != nil {
			return err
		}
		state, err := json.Marshal(b)
		if err != nil {
			return err
		}

		err = o.repo.CompareAndSwap(ctx, siteID, banditType, version, state)
		if errors.Is(err, persistence.ErrVersionConflict) {
			o.log.Debug().Str("site_id", siteID).Str("type", banditType).Int("attempt", attempt+1).Msg("Bandit version conflict, retrying")
			continue
		}
		if err != nil {
			return err
		}

		if err := o.repo.LogFeedback(ctx, siteID, banditType, choice, reward); err != nil {
			return err
		}
		o.log.Info().Str("site_id", siteID).Str("type", banditType).Str("choice", choice).Float64("reward", reward).Msg("Bandit feedback recorded")
		return nil
	}
	return fmt.Errorf("bandit %s/%s feedback gave up after %d attempts: %w", siteID, banditType, retries+1, persistence.ErrVersionConflict)
}

// Stats reports the stored bandit's counters.
func (o *Optimizer) Stats(ctx context.Context, siteID, banditType string) ([]ChoiceStats, error) {
	b, _, err := o.load(ctx, siteID, banditType, nil)
	if err != nil {
		return nil, err
	}
	return b.Stats(), nil
}
