package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"genpost/internal/config"
	"genpost/internal/core"
	"genpost/internal/persistence"
	"genpost/internal/rag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "test-admin-key"

type staticMetrics struct{ summary core.MetricsSummary }

func (m staticMetrics) Summary(context.Context, string, time.Duration) (core.MetricsSummary, error) {
	return m.summary, nil
}

func newTestServer(t *testing.T, cfg config.Server) (*Server, *persistence.SQLDB) {
	t.Helper()
	db, err := persistence.NewSQLiteDB(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, persistence.NewMigrationManager(db).Migrate(context.Background()))

	if cfg.AdminKey == "" {
		cfg.AdminKey = adminKey
	}
	retriever := rag.NewRetriever(db.RAGDocs(), nil)
	srv := New(Deps{
		DB:      db,
		Metrics: staticMetrics{summary: core.MetricsSummary{TotalGenerations: 4, SuccessRate: 0.75}},
		RAG:     retriever,
	}, cfg)
	return srv, db
}

func do(t *testing.T, srv *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, config.Server{})
	rec := do(t, srv, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestJobStatsAndRequeue(t *testing.T) {
	ctx := context.Background()
	srv, db := newTestServer(t, config.Server{})

	job := &core.PublishJob{UserID: "u1", SiteID: "s1", ContractID: "c1", PlannedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, db.Jobs().Create(ctx, job))
	now := time.Now()
	require.NoError(t, db.Locks().Acquire(ctx, job.ID, "w1", time.Minute, now))
	require.NoError(t, db.Jobs().MarkRunning(ctx, job.ID, "w1", now))
	job.State = core.JobFailed
	job.Error = "publish failed (status 502)"
	require.NoError(t, db.Jobs().Finish(ctx, job))

	rec := do(t, srv, http.MethodGet, "/api/jobs/stats", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats core.JobStats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Failed)

	rec = do(t, srv, http.MethodGet, "/api/jobs?state=failed", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []core.PublishJob `json:"jobs"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	rec = do(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/requeue", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/requeue", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := db.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, got.State)

	rec = do(t, srv, http.MethodPost, "/api/jobs/"+job.ID+"/requeue", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/jobs/missing", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/jobs?state=bogus", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	srv, _ := newTestServer(t, config.Server{})
	srv.config.AdminKey = ""
	rec := do(t, srv, http.MethodPost, "/api/jobs/x/requeue", "", true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDLQList(t *testing.T) {
	ctx := context.Background()
	srv, db := newTestServer(t, config.Server{})
	require.NoError(t, db.DLQ().Create(ctx, &core.DLQEntry{UserID: "u1", Topic: "bread", Attempts: 4, Context: map[string]any{"model": "m"}}))
	require.NoError(t, db.DLQ().Create(ctx, &core.DLQEntry{UserID: "u2", Topic: "cake", Attempts: 4}))

	rec := do(t, srv, http.MethodGet, "/api/dlq?user=u1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []core.DLQEntry `json:"entries"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "bread", body.Entries[0].Topic)
}

func TestBanditPickAndFeedback(t *testing.T) {
	srv, _ := newTestServer(t, config.Server{})

	rec := do(t, srv, http.MethodPost, "/api/bandit/s1/cta/feedback", `{"choice":"Call now","reward":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "feedback before any pick")

	rec = do(t, srv, http.MethodPost, "/api/bandit/s1/cta/pick", `{"choices":["Call now","Book online"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pick PickResponse
	decode(t, rec, &pick)
	assert.Equal(t, "Call now", pick.Choice)

	rec = do(t, srv, http.MethodPost, "/api/bandit/s1/cta/feedback", `{"choice":"Call now","reward":1}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/bandit/s1/cta/feedback", `{"choice":"Unknown","reward":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/bandit/s1/cta/feedback", `{"choice":"Book online","reward":3}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/bandit/s1/cta", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Choices []struct {
			Choice string  `json:"choice"`
			Plays  int     `json:"plays"`
			Reward float64 `json:"total_reward"`
		} `json:"choices"`
	}
	decode(t, rec, &stats)
	require.Len(t, stats.Choices, 2)
	assert.Equal(t, 1, stats.Choices[0].Plays)
	assert.Equal(t, 1.0, stats.Choices[0].Reward)

	rec = do(t, srv, http.MethodGet, "/api/bandit/s9/cta", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBanditPickDefaults(t *testing.T) {
	srv, _ := newTestServer(t, config.Server{})
	rec := do(t, srv, http.MethodPost, "/api/bandit/s1/cta/pick", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pick PickResponse
	decode(t, rec, &pick)
	assert.NotEmpty(t, pick.Choice)
}

func TestMetricsAndRAG(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, config.Server{})

	rec := do(t, srv, http.MethodGet, "/api/metrics/u1?period=1h", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary core.MetricsSummary
	decode(t, rec, &summary)
	assert.Equal(t, 4, summary.TotalGenerations)

	rec = do(t, srv, http.MethodGet, "/api/metrics/u1?period=soon", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := srv.deps.RAG.AddDocument(ctx, "s1", "Opening hours", "https://example.test/hours", "We open at seven and bake rye on Fridays. Rye loaves sell out by noon.")
	require.NoError(t, err)

	rec = do(t, srv, http.MethodGet, "/api/rag/s1/search?q=rye", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []rag.Card `json:"results"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Opening hours", body.Results[0].Title)

	rec = do(t, srv, http.MethodGet, "/api/rag/s1/search", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitPerClientIP(t *testing.T) {
	srv, _ := newTestServer(t, config.Server{RateLimit: 2, RateLimitEvery: "1m"})

	get := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)
	limited := get("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get("10.0.0.2").Code)
}
