// Package bandit picks content variants (CTA copy, headings) with UCB1 and
// keeps per-site bandit state in the store.
package bandit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"genpost/internal/core"
)

// ErrUnknownChoice is returned when feedback names a choice the bandit does not have.
var ErrUnknownChoice = fmt.Errorf("%w: unknown bandit choice", core.ErrConfiguration)

// ErrInvalidReward is returned for rewards outside [0,1].
var ErrInvalidReward = fmt.Errorf("%w: reward must be within [0,1]", core.ErrConfiguration)

// UCB1 is a multi-armed bandit over a fixed, ordered set of choices.
// It is not safe for concurrent use; the Optimizer serializes updates
// through versioned store writes.
type UCB1 struct {
	choices    []string
	counts     map[string]int
	rewards    map[string]float64
	totalPlays int
}

// ChoiceStats summarizes one arm.
type ChoiceStats struct {
	Choice      string  `json:"choice"`
	Plays       int     `json:"plays"`
	TotalReward float64 `json:"total_reward"`
	AvgReward   float64 `json:"avg_reward"`
}

// New creates a bandit with zeroed counters. Choices must be non-empty and unique.
func New(choices []string) (*UCB1, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("%w: bandit needs at least one choice", core.ErrConfiguration)
	}
	b := &UCB1{
		choices: make([]string, 0, len(choices)),
		counts:  make(map[string]int, len(choices)),
		rewards: make(map[string]float64, len(choices)),
	}
	for _, c := range choices {
		if _, dup := b.counts[c]; dup {
			return nil, fmt.Errorf("%w: duplicate bandit choice %q", core.ErrConfiguration, c)
		}
		b.choices = append(b.choices, c)
		b.counts[c] = 0
		b.rewards[c] = 0
	}
	return b, nil
}

// Choices returns the arms in input order.
func (b *UCB1) Choices() []string {
	return append([]string(nil), b.choices...)
}

// TotalPlays is the number of recorded feedbacks.
func (b *UCB1) TotalPlays() int { return b.totalPlays }

// Pick returns the first untried choice, otherwise the choice maximizing
// avg + sqrt(2 ln N / n). Ties go to the earlier choice.
func (b *UCB1) Pick() string {
	for _, c := range b.choices {
		if b.counts[c] == 0 {
			return c
		}
	}

	best := b.choices[0]
	bestScore := math.Inf(-1)
	logN := math.Log(float64(b.totalPlays))
	for _, c := range b.choices {
		n := float64(b.counts[c])
		score := b.rewards[c]/n + math.Sqrt(2*logN/n)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// Feedback records a reward in [0,1] for choice.
func (b *UCB1) Feedback(choice string, reward float64) error {
	if _, ok := b.counts[choice]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}
	if math.IsNaN(reward) || reward < 0 || reward > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidReward, reward)
	}
	b.counts[choice]++
	b.rewards[choice] += reward
	b.totalPlays++
	return nil
}

// Stats reports per-choice counters in input order.
func (b *UCB1) Stats() []ChoiceStats {
	out := make([]ChoiceStats, 0, len(b.choices))
	for _, c := range b.choices {
		s := ChoiceStats{Choice: c, Plays: b.counts[c], TotalReward: b.rewards[c]}
		if s.Plays > 0 {
			s.AvgReward = s.TotalReward / float64(s.Plays)
		}
		out = append(out, s)
	}
	return out
}

type ucb1State struct {
	Choices    []string           `json:"choices"`
	Counts     map[string]int     `json:"counts"`
	Rewards    map[string]float64 `json:"rewards"`
	TotalPlays int                `json:"total_plays"`
}

// MarshalJSON encodes the full state.
func (b *UCB1) MarshalJSON() ([]byte, error) {
	return json.Marshal(ucb1State{
		Choices:    b.choices,
		Counts:     b.counts,
		Rewards:    b.rewards,
		TotalPlays: b.totalPlays,
	})
}

// UnmarshalJSON restores state written by MarshalJSON.
func (b *UCB1) UnmarshalJSON(data []byte) error {
	var st ucb1State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	restored, err := New(st.Choices)
	if err != nil {
		return err
	}
	for c, n := range st.Counts {
		if _, ok := restored.counts[c]; !ok {
			return errors.New("bandit state has counts for unknown choice " + c)
		}
		restored.counts[c] = n
	}
	for c, r := range st.Rewards {
		if _, ok := restored.rewards[c]; !ok {
			return errors.New("bandit state has rewards for unknown choice " + c)
		}
		restored.rewards[c] = r
	}
	restored.totalPlays = st.TotalPlays
	*b = *restored
	return nil
}
