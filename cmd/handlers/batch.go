package handlers

import (
	"fmt"

	"genpost/internal/contract"
	"genpost/internal/core"
	"genpost/internal/cost"
	"genpost/internal/generation"
	"genpost/internal/render"

	"github.com/spf13/cobra"
)

// NewBatchCmd creates the batch command
func NewBatchCmd() *cobra.Command {
	var (
		files     []string
		userID    string
		model     string
		outputDir string
		minScore  int
	)

	cmd := &cobra.Command{
		Use:   "batch [contract files...]",
		Short: "Generate one article per contract and write a batch report",
		Long: `Generate articles for several contracts in order.

Every article is critiqued. Titles generated earlier in the batch are shown
to later critics so the batch does not repeat itself. Articles scoring below
the minimum are kept and flagged in the report.

Examples:
  genpost batch bakery.yaml cafe.yaml
  genpost batch --contracts bakery.yaml,cafe.yaml --min-score 80`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := append(append([]string(nil), files...), args...)
			if len(paths) == 0 {
				return fmt.Errorf("no contracts given")
			}

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			if minScore <= 0 {
				minScore = a.cfg.Generation.MinScore
			}

			// decode failures are reported alongside generation failures
			var (
				valid   []contract.MessageContract
				loadErr = make(map[int]error)
			)
			for i, path := range paths {
				c, _, err := loadContractFile(path)
				if err != nil {
					loadErr[i] = err
					continue
				}
				valid = append(valid, c)
			}

			titles, err := a.db.Articles().RecentTitles(ctx, userID, 20)
			if err != nil {
				return fmt.Errorf("failed to load recent titles: %w", err)
			}

			meter := cost.NewMeter(a.provider)
			engine := generation.NewEngine(meter, generation.OptionsFromConfig(a.cfg.Generation))
			engine.Observer = a.telemetry

			results, batchErr := engine.GenerateBatch(ctx, valid, generation.BatchOptions{
				MinScore:       minScore,
				ExistingTitles: titles,
				Run:            generation.RunOptions{Model: model, UserID: userID},
			})

			var report []render.ReportItem
			next := 0
			for i, path := range paths {
				if err, ok := loadErr[i]; ok {
					report = append(report, render.ReportItem{Contract: path, Err: err})
					continue
				}
				if next >= len(results) {
					break
				}
				report = append(report, reportItem(results[next], path, outputDir))
				next++
			}

			reportPath, err := render.RenderBatchReport(report, minScore, outputDir)
			if err != nil {
				return err
			}

			fmt.Printf("📝 Batch report written to %s\n", reportPath)
			fmt.Printf("💰 Total cost: $%.4f\n", meter.TotalCost())
			return batchErr
		},
	}

	cmd.Flags().StringSliceVar(&files, "contracts", nil, "comma separated contract files")
	cmd.Flags().StringVar(&userID, "user", "cli", "user the generations are attributed to")
	cmd.Flags().StringVar(&model, "model", "", "model override (default from config)")
	cmd.Flags().StringVarP(&outputDir, "out", "o", "articles", "output directory")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "minimum acceptable critic score (default from config)")

	return cmd
}

func reportItem(item generation.BatchItem, path, outputDir string) render.ReportItem {
	row := render.ReportItem{Contract: item.Contract.Ref(), Err: item.Err}
	if item.Contract.ID == "" {
		row.Contract = path
	}
	if item.Err != nil {
		return row
	}

	score := item.Result.Verdict.Score
	written, err := render.WriteArticle(render.Article{
		Title:       item.Result.Title,
		Mode:        string(core.ModeNormal),
		Model:       item.Result.Model,
		Score:       &score,
		Regenerated: item.Result.Regenerated,
		Keywords:    item.Contract.Keywords,
		Contract:    item.Contract.Ref(),
		Markdown:    item.Result.Markdown,
	}, outputDir)
	if err != nil {
		row.Err = err
		return row
	}

	row.Title = item.Result.Title
	row.Score = score
	row.BelowMinScore = item.BelowMinScore
	row.Path = written
	return row
}
