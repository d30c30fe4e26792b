package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"genpost/internal/dedup"

	"gopkg.in/yaml.v3"
)

const defaultOutputDir = "articles"

// Article is a generated article plus the metadata written to its front matter.
type Article struct {
	Title       string    `yaml:"title"`
	Slug        string    `yaml:"slug"`
	Mode        string    `yaml:"mode"`
	Model       string    `yaml:"model"`
	Score       *int      `yaml:"score,omitempty"` // nil when the article was not critiqued
	Regenerated bool      `yaml:"regenerated,omitempty"`
	Keywords    []string  `yaml:"keywords,omitempty"`
	Contract    string    `yaml:"contract,omitempty"`
	CostUSD     float64   `yaml:"cost_usd,omitempty"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Markdown    string    `yaml:"-"`
}

// ReportItem is one row of a batch report.
type ReportItem struct {
	Contract      string
	Title         string
	Score         int
	BelowMinScore bool
	Path          string
	Err           error
}

// RenderArticle returns the article as Markdown with a YAML front matter block.
func RenderArticle(a Article) (string, error) {
	if a.Slug == "" {
		a.Slug = dedup.Slug(a.Title)
	}
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now().UTC()
	}
	front, err := yaml.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(front)
	sb.WriteString("---\n\n")
	sb.WriteString(strings.TrimSpace(a.Markdown))
	sb.WriteString("\n")
	return sb.String(), nil
}

// WriteArticle renders the article into outputDir as <date>_<slug>.md.
func WriteArticle(a Article, outputDir string) (string, error) {
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now().UTC()
	}
	if a.Slug == "" {
		a.Slug = dedup.Slug(a.Title)
	}
	if a.Slug == "" {
		a.Slug = "article"
	}

	content, err := RenderArticle(a)
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%s_%s.md", a.GeneratedAt.UTC().Format("2006-01-02"), a.Slug)
	return WriteFile(content, outputDir, filename)
}

// RenderBatchReport writes a Markdown summary of a batch run.
func RenderBatchReport(items []ReportItem, minScore int, outputDir string) (string, error) {
	now := time.Now().UTC()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Batch Report - %s\n\n", now.Format("2006-01-02 15:04")))

	if len(items) == 0 {
		sb.WriteString("No contracts processed.\n")
	} else {
		var ok, low, failed int
		for _, item := range items {
			switch {
			case item.Err != nil:
				failed++
			case item.BelowMinScore:
				low++
			default:
				ok++
			}
		}
		sb.WriteString(fmt.Sprintf("%d generated, %d below the minimum score of %d, %d failed.\n\n", ok+low, low, minScore, failed))
		sb.WriteString("| # | Contract | Title | Score | Status |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for i, item := range items {
			status := "ok"
			score := fmt.Sprint(item.Score)
			switch {
			case item.Err != nil:
				status = "failed: " + escapeCell(item.Err.Error())
				score = "-"
			case item.BelowMinScore:
				status = "below minimum"
			}
			title := escapeCell(item.Title)
			if item.Path != "" {
				title = fmt.Sprintf("[%s](%s)", title, filepath.Base(item.Path))
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n", i+1, escapeCell(item.Contract), title, score, status))
		}
	}

	return WriteFile(sb.String(), outputDir, fmt.Sprintf("batch_%s.md", now.Format("2006-01-02_150405")))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

// WriteFile writes the provided content to a file in the specified directory
func WriteFile(content, outputDir, filename string) (string, error) {
	if outputDir == "" {
		outputDir = defaultOutputDir
	}

	err := os.MkdirAll(outputDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	filePath := filepath.Join(outputDir, filename)

	err = os.WriteFile(filePath, []byte(content), 0644)
	if err != nil {
		return "", fmt.Errorf("failed to write file %s: %w", filePath, err)
	}

	return filePath, nil
}
