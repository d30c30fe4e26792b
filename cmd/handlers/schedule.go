package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"genpost/internal/core"
	"genpost/internal/jobs"

	"github.com/spf13/cobra"
)

// NewScheduleCmd creates the schedule command
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create and inspect publishing schedules",
		Long: `A schedule is a cron expression plus a keyword pool. Each time it fires
it creates post-count publish jobs, spaced by the per-job delay, each with
the next unused keyword set from the pool.`,
	}

	cmd.AddCommand(newScheduleCreateCmd())
	cmd.AddCommand(newSchedulePreviewCmd())
	cmd.AddCommand(newScheduleShowCmd())
	cmd.AddCommand(newScheduleRunDueCmd())

	return cmd
}

func newScheduleCreateCmd() *cobra.Command {
	var (
		sc       core.Schedule
		keywords []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule for a stored contract",
		Long: `Create a schedule for a stored contract.

Examples:
  genpost schedule create --user u1 --site s1 --contract 3f2a... \
    --cron "0 9 * * MON-FRI" --tz Europe/Berlin \
    --keywords "rye,sourdough,spelt,brioche" --posts 2 --delay 2h --status future`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.db.Contracts().Get(ctx, sc.ContractID); err != nil {
				return fmt.Errorf("contract %s: %w", sc.ContractID, err)
			}

			sc.KeywordPool = keywords
			if err := jobs.NewScheduler(a.db).CreateSchedule(ctx, &sc); err != nil {
				return err
			}
			fmt.Printf("✅ Schedule %s created\n", sc.ID)
			fmt.Printf("   Next run: %s\n", sc.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&sc.UserID, "user", "", "owner of the schedule")
	f.StringVar(&sc.SiteID, "site", "", "site the jobs publish to")
	f.StringVar(&sc.ContractID, "contract", "", "stored contract id")
	f.StringVar(&sc.Cron, "cron", "", "five-field cron expression or descriptor such as @daily")
	f.StringVar(&sc.Timezone, "tz", "UTC", "IANA timezone the cron expression is read in")
	f.StringSliceVar(&keywords, "keywords", nil, "comma separated keyword pool")
	f.IntVar(&sc.PostCount, "posts", 1, "jobs created per run")
	f.DurationVar(&sc.PerJobDelay, "delay", 0, "spacing between the jobs of one run")
	f.StringVar(&sc.PostStatus, "status", "draft", "post status: draft, publish or future")
	f.StringVar(&sc.CategorySlug, "category", "", "WordPress category slug")
	for _, name := range []string{"user", "site", "contract", "cron"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newSchedulePreviewCmd() *cobra.Command {
	var (
		spec, tz string
		n        int
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the next run times of a cron expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			// no database needed
			times, err := jobs.NewScheduler(nil).Preview(spec, tz, time.Now(), n)
			if err != nil {
				return err
			}
			loc, _ := time.LoadLocation(tz)
			for i, t := range times {
				fmt.Printf("%2d. %s  (%s UTC)\n", i+1, t.In(loc).Format("Mon 2006-01-02 15:04 MST"), t.UTC().Format("15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&spec, "cron", "", "cron expression")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA timezone")
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of run times")
	_ = cmd.MarkFlagRequired("cron")

	return cmd
}

func newScheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a schedule as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			sc, err := a.db.Schedules().Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sc)
		},
	}
}

func newScheduleRunDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Expand every due schedule into jobs once",
		Long: `Expand every due schedule into jobs and exit. The worker does this on
every poll; run-due is for deployments that drive schedules from an
external cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			created, err := jobs.NewScheduler(a.db).RunDue(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Created %d job(s)\n", created)
			return nil
		},
	}
}
