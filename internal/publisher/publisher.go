// Package publisher delivers generated articles to a WordPress site through
// the GenPost bridge plugin.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genpost/internal/config"
	"genpost/internal/core"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/markdown"

	"github.com/rs/zerolog"
)

// Post is an article ready to publish. Content is Markdown.
type Post struct {
	Title           string
	Content         string
	Status          string // draft, publish or future
	ScheduledAt     *time.Time
	CategorySlug    string
	Tags            []string
	MetaDescription string
}

// Result identifies the created post.
type Result struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publisher creates posts on a remote site.
type Publisher interface {
	Publish(ctx context.Context, post Post) (Result, error)
}

// PublishError describes a failed publish.
type PublishError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	msg := "publish failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return llm.Redact(msg)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is reports rejected credentials as configuration errors.
func (e *PublishError) Is(target error) bool {
	return target == core.ErrConfiguration &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

const userAgent = "genpost-worker/2.0"

// WordPress talks to the bridge plugin's /wp-json/genpost/v2 routes.
type WordPress struct {
	siteURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewWordPress creates a bridge client. The site URL and API key are
// required.
func NewWordPress(siteURL, apiKey string, timeout time.Duration) (*WordPress, error) {
	siteURL = strings.TrimRight(strings.TrimSpace(siteURL), "/")
	if siteURL == "" || apiKey == "" {
		return nil, fmt.Errorf("%w: wordpress site_url and api_key are required", core.ErrConfiguration)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WordPress{
		siteURL: siteURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     logger.Component("publisher"),
	}, nil
}

// NewFromConfig builds the bridge client from the wordpress config section.
func NewFromConfig(cfg config.WordPress) (*WordPress, error) {
	return NewWordPress(cfg.SiteURL, cfg.APIKey, config.Duration(cfg.Timeout, 30*time.Second))
}

type publishRequest struct {
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Status          string   `json:"status"`
	Date            string   `json:"date,omitempty"`
	CategorySlug    string   `json:"category_slug,omitempty"`
	MetaDescription string   `json:"meta_description,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

type publishResponse struct {
	Success bool            `json:"success"`
	PostID  json.RawMessage `json:"post_id"`
	PostURL string          `json:"post_url"`
	Message string          `json:"message"`
}

// Publish renders the Markdown body to HTML (without its H1, which becomes
// the post title) and creates the post.
func (w *WordPress) Publish(ctx context.Context, post Post) (Result, error) {
	title := strings.TrimSpace(post.Title)
	if title == "" {
		title = markdown.Title(post.Content)
	}
	html, err := markdown.ToHTML(markdown.StripTitle(post.Content))
	if err != nil {
		return Result{}, &PublishError{Message: "render markdown", Err: err}
	}

	req := publishRequest{
		Title:           title,
		Content:         html,
		Status:          post.Status,
		CategorySlug:    post.CategorySlug,
		MetaDescription: post.MetaDescription,
		Tags:            post.Tags,
	}
	if req.Status == "" {
		req.Status = "draft"
	}
	if post.ScheduledAt != nil {
		req.Date = post.ScheduledAt.UTC().Format(time.RFC3339)
	}

	var resp publishResponse
	if err := w.do(ctx, http.MethodPost, "/publish", req, &resp); err != nil {
		return Result{}, err
	}
	if !resp.Success {
		return Result{}, &PublishError{Message: firstNonEmpty(resp.Message, "bridge reported failure")}
	}

	res := Result{ID: strings.Trim(string(resp.PostID), `"`), URL: resp.PostURL}
	w.log.Info().Str("post_id", res.ID).Str("url", res.URL).Str("status", req.Status).Msg("Post published")
	return res, nil
}

// Test checks connectivity and credentials.
func (w *WordPress) Test(ctx context.Context) error {
	var resp publishResponse
	if err := w.do(ctx, http.MethodGet, "/test", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &PublishError{Message: firstNonEmpty(resp.Message, "bridge test failed")}
	}
	return nil
}

func (w *WordPress) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &PublishError{Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.siteURL+"/wp-json/genpost/v2"+path, reader)
	if err != nil {
		return &PublishError{Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &PublishError{Message: "cannot reach WordPress site", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &PublishError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wpErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &wpErr)
		return &PublishError{StatusCode: resp.StatusCode, Message: firstNonEmpty(wpErr.Message, http.StatusText(resp.StatusCode))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &PublishError{StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsPublishError reports whether err came from a publisher.
func IsPublishError(err error) bool {
	var perr *PublishError
	return errors.As(err, &perr)
}
