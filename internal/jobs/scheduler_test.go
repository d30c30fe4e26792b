package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"genpost/internal/core"
	"genpost/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDB(t *testing.T) *persistence.SQLDB {
	t.Helper()
	db, err := persistence.NewSQLiteDB(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, persistence.NewMigrationManager(db).Migrate(context.Background()))
	return db
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCreateScheduleValidation(t *testing.T) {
	db := newTestDB(t)
	s := NewScheduler(db)

	valid := func() *core.Schedule {
		return &core.Schedule{UserID: "u1", SiteID: "s1", ContractID: "c1", Cron: "0 9 * * *", PostCount: 1}
	}
	tests := []struct {
		name   string
		mutate func(*core.Schedule)
	}{
		{name: "no user", mutate: func(sc *core.Schedule) { sc.UserID = "" }},
		{name: "zero posts", mutate: func(sc *core.Schedule) { sc.PostCount = 0 }},
		{name: "negative delay", mutate: func(sc *core.Schedule) { sc.PerJobDelay = -time.Minute }},
		{name: "bad status", mutate: func(sc *core.Schedule) { sc.PostStatus = "private" }},
		{name: "bad cron", mutate: func(sc *core.Schedule) { sc.Cron = "every day" }},
		{name: "six fields", mutate: func(sc *core.Schedule) { sc.Cron = "0 0 9 * * *" }},
		{name: "bad timezone", mutate: func(sc *core.Schedule) { sc.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := valid()
			tt.mutate(sc)
			assert.ErrorIs(t, s.CreateSchedule(context.Background(), sc), core.ErrConfiguration)
		})
	}

	sc := valid()
	require.NoError(t, s.CreateSchedule(context.Background(), sc))
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, "draft", sc.PostStatus)
	assert.Equal(t, "UTC", sc.Timezone)
}

func TestPreviewHonorsTimezone(t *testing.T) {
	s := NewScheduler(newTestDB(t))
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	runs, err := s.Preview("0 9 * * *", "America/New_York", from, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Equal(time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)), runs[0].String())
	assert.True(t, runs[1].Equal(time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)), runs[1].String())
}

func TestRunDueExpandsWithSpacingAndRotation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewScheduler(db)
	s.now = fixedClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	sc := &core.Schedule{
		UserID:      "u1",
		SiteID:      "s1",
		ContractID:  "c1",
		Cron:        "0 9 * * *",
		PostCount:   3,
		PerJobDelay: 30 * time.Minute,
		PostStatus:  "publish",
		KeywordPool: []string{"sourdough", "starter", "rye", "crust"},
	}
	require.NoError(t, s.CreateSchedule(ctx, sc))
	slot := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, sc.NextRunAt.Equal(slot))

	// not due yet
	n, err := s.RunDue(ctx, slot.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	now := slot.Add(time.Hour)
	n, err = s.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	jobs, err := db.Jobs().ListPending(ctx, slot.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	seen := map[string]bool{}
	for i, job := range jobs {
		assert.True(t, job.PlannedAt.Equal(slot.Add(time.Duration(i)*30*time.Minute)), job.PlannedAt.String())
		assert.Equal(t, sc.ID, job.ScheduleID)
		assert.Equal(t, "c1", job.ContractID)
		assert.Equal(t, "publish", job.PostStatus)
		require.Len(t, job.Keywords, 3)
		key := setKey(job.Keywords)
		assert.False(t, seen[key], "keyword set reused: %v", job.Keywords)
		seen[key] = true
	}

	stored, err := db.Schedules().Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(slot.Add(24*time.Hour)), stored.NextRunAt.String())
	assert.Equal(t, 3, stored.CurrentKeywordIndex)
	assert.Len(t, stored.UsedKeywordSets, 3)
	require.NotNil(t, stored.LastRunAt)

	// advanced: the same instant expands nothing
	n, err = s.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type staleSchedules struct {
	persistence.ScheduleRepository
	due []core.Schedule
}

func (s staleSchedules) ListDue(context.Context, time.Time, int) ([]core.Schedule, error) {
	return append([]core.Schedule(nil), s.due...), nil
}

type staleDB struct {
	persistence.Database
	schedules persistence.ScheduleRepository
}

func (d staleDB) Schedules() persistence.ScheduleRepository { return d.schedules }

func TestRunDueSkipsSlotExpandedByAnotherScheduler(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	first := NewScheduler(db)
	first.now = fixedClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	sc := &core.Schedule{UserID: "u1", SiteID: "s1", ContractID: "c1", Cron: "0 9 * * *", PostCount: 2}
	require.NoError(t, first.CreateSchedule(ctx, sc))
	now := sc.NextRunAt.Add(time.Minute)

	// both schedulers read the schedule before either expands it
	snapshot, err := db.Schedules().ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	second := NewScheduler(staleDB{Database: db, schedules: staleSchedules{ScheduleRepository: db.Schedules(), due: snapshot}})

	n, err := first.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = second.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err := db.Jobs().ListPending(ctx, now.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRunDueWithoutKeywordPool(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewScheduler(db)
	s.now = fixedClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	sc := &core.Schedule{UserID: "u1", SiteID: "s1", ContractID: "c1", Cron: "@hourly", PostCount: 1}
	require.NoError(t, s.CreateSchedule(ctx, sc))

	n, err := s.RunDue(ctx, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := db.Jobs().ListPending(ctx, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Empty(t, jobs[0].Keywords)
}
