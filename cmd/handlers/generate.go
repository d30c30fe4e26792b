package handlers

import (
	"errors"
	"fmt"
	"strings"

	"genpost/internal/config"
	"genpost/internal/contract"
	"genpost/internal/cost"
	"genpost/internal/fallback"
	"genpost/internal/prompt"
	"genpost/internal/render"

	"github.com/spf13/cobra"
)

const defaultMaxChars = 2200

type generateOptions struct {
	contractFile string
	keywords     string
	model        string
	userID       string
	siteID       string
	outputDir    string
	dryRun       bool
	noCritique   bool
	useRAG       bool
}

// NewGenerateCmd creates the generate command
func NewGenerateCmd() *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one article from a contract file",
		Long: `Generate one article from a contract (or legacy prompt) document.

The article goes through the full fallback cascade: normal generation with
critique, then a short prompt, then the backup model. The result is written
as Markdown with YAML front matter.

Examples:
  genpost generate --contract bakery.yaml
  genpost generate --contract bakery.yaml --keywords "rye,sourdough" --out ./drafts
  genpost generate --contract bakery.yaml --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.contractFile, "contract", "c", "", "contract file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.keywords, "keywords", "", "comma separated SEO keywords, overriding the contract's")
	cmd.Flags().StringVar(&opts.model, "model", "", "model override (default from config)")
	cmd.Flags().StringVar(&opts.userID, "user", "cli", "user the generation is attributed to")
	cmd.Flags().StringVar(&opts.siteID, "site", "", "site whose documents feed retrieval")
	cmd.Flags().StringVarP(&opts.outputDir, "out", "o", "articles", "output directory")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the cost estimate without calling the model")
	cmd.Flags().BoolVar(&opts.noCritique, "no-critique", false, "skip the critic pass")
	cmd.Flags().BoolVar(&opts.useRAG, "rag", false, "add retrieved site context to the prompt (needs --site)")
	_ = cmd.MarkFlagRequired("contract")

	return cmd
}

func runGenerate(cmd *cobra.Command, opts generateOptions) error {
	ctx := cmd.Context()

	c, _, err := loadContractFile(opts.contractFile)
	if err != nil {
		return err
	}
	if kw := splitList(opts.keywords); len(kw) > 0 {
		c = c.WithKeywords(kw)
	}

	if opts.dryRun {
		return printEstimate(c, opts)
	}
	if opts.useRAG && opts.siteID == "" {
		return errors.New("--rag needs --site")
	}

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	titles, err := a.db.Articles().RecentTitles(ctx, opts.userID, 20)
	if err != nil {
		return fmt.Errorf("failed to load recent titles: %w", err)
	}

	req := fallback.Request{
		UserID:         opts.userID,
		SiteID:         opts.siteID,
		Contract:       c,
		Model:          opts.model,
		UseCritique:    !opts.noCritique && a.cfg.Generation.UseCritique,
		ExistingTitles: titles,
	}
	if opts.useRAG {
		req.RAGContext = a.retriever().Context(ctx, opts.userID, opts.siteID, c.Claim.Headline, a.cfg.Generation.RAGResults)
	}

	out, err := a.orchestrator().SafeGenerate(ctx, req)
	if err != nil {
		var exhausted *fallback.StageExhaustedError
		if errors.As(err, &exhausted) {
			return errors.New(exhausted.UserMessage())
		}
		return err
	}

	article := render.Article{
		Title:       out.Title,
		Mode:        string(out.Mode),
		Model:       out.Model,
		Regenerated: out.Regenerated,
		Keywords:    c.Keywords,
		Contract:    c.Ref(),
		CostUSD:     out.CostUSD,
		Markdown:    out.Markdown,
	}
	if out.Verdict != nil {
		score := out.Verdict.Score
		article.Score = &score
	}

	path, err := render.WriteArticle(article, opts.outputDir)
	if err != nil {
		return err
	}

	fmt.Printf("✅ %s\n", out.Title)
	fmt.Printf("   Mode: %s | Model: %s | Attempts: %d | Cost: $%.4f\n", out.Mode, out.Model, out.Attempts, out.CostUSD)
	if article.Score != nil {
		fmt.Printf("   Score: %d\n", *article.Score)
	}
	fmt.Printf("   Written to %s\n", path)
	return nil
}

func printEstimate(c contract.MessageContract, opts generateOptions) error {
	cfg := config.Get()
	model := opts.model
	if model == "" {
		model = cfg.Generation.Model
	}
	maxChars := c.Constraints.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	critique := !opts.noCritique && cfg.Generation.UseCritique

	est := cost.EstimateRun(model, prompt.Compile(c, ""), maxChars, critique)
	fmt.Print(est.FormatEstimate())
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Contract: %s\n", c.Ref())
	return nil
}
