package handlers

import (
	"fmt"
	"os"
	"strings"

	"genpost/internal/rag"

	"github.com/spf13/cobra"
)

// NewRAGCmd creates the rag command for site documents
func NewRAGCmd() *cobra.Command {
	var (
		site    string
		noEmbed bool
	)

	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Manage the site documents used as retrieved context",
		Long: `Site documents (menus, opening hours, product pages) are retrieved by
similarity and added to prompts when a user has RAG enabled.

Documents are embedded with the configured provider unless --no-embed is
set; without embeddings retrieval falls back to keyword scoring.

Examples:
  genpost rag ingest --site s1 https://bakery.example/menu
  genpost rag add --site s1 --title "Opening hours" --file hours.md
  genpost rag search --site s1 "rye bread"`,
	}

	cmd.PersistentFlags().StringVar(&site, "site", "", "site id")
	cmd.PersistentFlags().BoolVar(&noEmbed, "no-embed", false, "store documents without embeddings")
	_ = cmd.MarkPersistentFlagRequired("site")

	ingest := &cobra.Command{
		Use:   "ingest <url>...",
		Short: "Fetch pages and store their readable text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, !noEmbed)
			if err != nil {
				return err
			}
			defer a.close()

			retriever := a.retriever()
			failed := 0
			for _, url := range args {
				doc, err := retriever.IngestURL(ctx, site, url)
				if err != nil {
					failed++
					fmt.Printf("❌ %s: %v\n", url, err)
					continue
				}
				fmt.Printf("✅ %s (%s)\n", doc.Title, doc.ID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d pages failed", failed, len(args))
			}
			return nil
		},
	}

	var title, url, file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Store a local document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}

			a, err := newApp(ctx, !noEmbed)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.retriever().AddDocument(ctx, site, title, url, string(content))
			if err != nil {
				return err
			}
			fmt.Printf("✅ Stored %s (%s)\n", doc.Title, doc.ID)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "document title")
	add.Flags().StringVar(&url, "url", "", "source URL")
	add.Flags().StringVar(&file, "file", "", "text or Markdown file")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("file")

	var topK int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the documents a query retrieves",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, !noEmbed)
			if err != nil {
				return err
			}
			defer a.close()

			cards, err := a.retriever().Search(ctx, site, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				fmt.Println("No matching documents")
				return nil
			}
			fmt.Println(rag.Format(cards))
			return nil
		},
	}
	search.Flags().IntVarP(&topK, "top", "k", 5, "number of results")

	cmd.AddCommand(ingest, add, search)
	return cmd
}
