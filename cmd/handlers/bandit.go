package handlers

import (
	"fmt"

	"genpost/internal/bandit"

	"github.com/spf13/cobra"
)

// NewBanditCmd creates the bandit command for the CTA and heading optimizers
func NewBanditCmd() *cobra.Command {
	var site, banditType string

	cmd := &cobra.Command{
		Use:   "bandit",
		Short: "Inspect and train the per-site UCB1 bandits",
		Long: `Each site keeps one UCB1 bandit per type (cta or heading). The worker
picks the CTA of every job from the site's bandit; feedback rewards the
choice that converted.

Examples:
  genpost bandit stats --site s1
  genpost bandit pick --site s1 --group booking
  genpost bandit feedback --site s1 --choice "Book your table" --reward 1`,
	}

	cmd.PersistentFlags().StringVar(&site, "site", "", "site id")
	cmd.PersistentFlags().StringVar(&banditType, "type", bandit.TypeCTA, "bandit type: cta or heading")
	_ = cmd.MarkPersistentFlagRequired("site")

	var group string
	pick := &cobra.Command{
		Use:   "pick",
		Short: "Pick a choice and record the play",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			choice, err := bandit.NewOptimizer(a.db.Bandits()).PickAndRecord(ctx, site, banditType, bandit.DefaultChoices(banditType, group))
			if err != nil {
				return err
			}
			fmt.Println(choice)
			return nil
		},
	}
	pick.Flags().StringVar(&group, "group", "", "candidate group seeding a new bandit (e.g. contact, booking)")

	var (
		choice string
		reward float64
	)
	feedback := &cobra.Command{
		Use:   "feedback",
		Short: "Reward a choice with a value in [0, 1]",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := bandit.NewOptimizer(a.db.Bandits()).RecordFeedback(ctx, site, banditType, choice, reward); err != nil {
				return err
			}
			fmt.Printf("✅ Recorded reward %.2f for %q\n", reward, choice)
			return nil
		},
	}
	feedback.Flags().StringVar(&choice, "choice", "", "the choice being rewarded")
	feedback.Flags().Float64Var(&reward, "reward", 1, "reward in [0, 1]")
	_ = feedback.MarkFlagRequired("choice")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show plays and rewards per choice",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := bandit.NewOptimizer(a.db.Bandits()).Stats(ctx, site, banditType)
			if err != nil {
				return err
			}
			fmt.Printf("%-6s %-8s %-8s %s\n", "Plays", "Reward", "Average", "Choice")
			for _, s := range list {
				fmt.Printf("%-6d %-8.2f %-8.3f %s\n", s.Plays, s.TotalReward, s.AvgReward, s.Choice)
			}
			return nil
		},
	}

	cmd.AddCommand(pick, feedback, stats)
	return cmd
}
