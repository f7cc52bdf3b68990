package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquaguardian/models"
)

func memReport(id string, lat, lon float64, createdAt time.Time) *models.Report {
	return &models.Report{
		ID:          id,
		SubmitterID: "citizen-1",
		Latitude:    lat,
		Longitude:   lon,
		Description: "foam",
		Severity:    5,
		Status:      models.StatusPending,
		CreatedAt:   createdAt,
	}
}

func TestMemoryInsertAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r := memReport("r-1", 19.076, 72.8777, fixedNow)
	require.NoError(t, m.InsertReport(ctx, r, &models.EvidenceRef{ReportID: "r-1", Locator: "memory://evidence/abc.png"}))

	got, err := m.GetReport(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, got.EvidenceURL)
	assert.Equal(t, "memory://evidence/abc.png", *got.EvidenceURL)

	job, err := m.GetAnchorJob(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnchorJobQueued, job.Status)

	history, err := m.GetStatusHistory(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].FromStatus)
	assert.Equal(t, models.StatusPending, history[0].ToStatus)

	_, err = m.GetReport(ctx, "missing")
	assert.True(t, errors.Is(err, ErrReportNotFound))
}

func TestMemoryListReports(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertReport(ctx, memReport("mumbai", 19.076, 72.8777, fixedNow), nil))
	require.NoError(t, m.InsertReport(ctx, memReport("pune", 18.5204, 73.8567, fixedNow.Add(time.Minute)), nil))
	require.NoError(t, m.InsertReport(ctx, memReport("thane", 19.2183, 72.9781, fixedNow.Add(2*time.Minute)), nil))
	require.NoError(t, m.VerifyReport(ctx, "thane", "inspector"))

	lat, lon := 19.076, 72.8777
	testCases := []struct {
		name   string
		filter models.ReportFilter
		ids    []string
	}{
		{"All newest first", models.ReportFilter{}, []string{"thane", "pune", "mumbai"}},
		{"Status", models.ReportFilter{Status: models.StatusPending}, []string{"pune", "mumbai"}},
		{"Radius", models.ReportFilter{Latitude: &lat, Longitude: &lon, RadiusKm: 25}, []string{"thane", "mumbai"}},
		{"Paged", models.ReportFilter{Limit: 1, Offset: 1}, []string{"pune"}},
		{"Past the end", models.ReportFilter{Offset: 5}, []string{}},
	}

	for _, testCase := range testCases {
		got, err := m.ListReports(ctx, testCase.filter)
		require.NoError(t, err, testCase.name)
		ids := []string{}
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, testCase.ids, ids, testCase.name)
	}
}

func TestMemoryVerifyTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertReport(ctx, memReport("r-1", 1, 1, fixedNow), nil))

	require.NoError(t, m.VerifyReport(ctx, "r-1", "inspector"))
	assert.True(t, errors.Is(m.VerifyReport(ctx, "r-1", "inspector"), ErrInvalidTransition))
	assert.True(t, errors.Is(m.VerifyReport(ctx, "nope", "inspector"), ErrReportNotFound))
}

func TestMemoryAnchorJobLifecycle(t *testing.T) {
	m := NewMemory()
	now := fixedNow
	m.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, m.InsertReport(ctx, memReport("r-1", 1, 1, fixedNow.Add(-time.Hour)), nil))

	claimed, err := m.ClaimAnchorJob(ctx, "r-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, _ = m.ClaimAnchorJob(ctx, "r-1", time.Minute)
	assert.False(t, claimed, "a live lease blocks a second claim")

	now = now.Add(2 * time.Minute)
	due, err := m.ListDueAnchorJobs(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1"}, due, "expired lease is due")

	claimed, _ = m.ClaimAnchorJob(ctx, "r-1", time.Minute)
	assert.True(t, claimed, "an expired lease can be taken over")

	require.NoError(t, m.RecordAnchorTx(ctx, "r-1", "0xfeed", time.Minute))

	require.NoError(t, m.FailAnchorJob(ctx, "r-1", "rpc down"))
	r, _ := m.GetReport(ctx, "r-1")
	assert.True(t, r.AnchorFailed)
	assert.Equal(t, models.StatusPending, r.Status)

	failed, err := m.ListAnchorFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rpc down", *failed[0].LastError)

	require.NoError(t, m.RequeueAnchorJob(ctx, "r-1"))
	counts, _ := m.CountAnchorJobs(ctx)
	assert.Equal(t, map[string]int{"queued": 1}, counts)
	job, err := m.GetAnchorJob(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, job.LastTx, "a requeue keeps the sent write")
	assert.Equal(t, "0xfeed", *job.LastTx)

	require.NoError(t, m.InsertAnchor(ctx, &models.LedgerAnchor{ReportID: "r-1", ContentHash: "h", LedgerRef: "0x1", AnchoredAt: now}))
	assert.True(t, errors.Is(m.InsertAnchor(ctx, &models.LedgerAnchor{ReportID: "r-1"}), ErrAnchorExists))
	require.NoError(t, m.CompleteAnchorJob(ctx, "r-1"))
	r, _ = m.GetReport(ctx, "r-1")
	assert.False(t, r.AnchorFailed)

	assert.True(t, errors.Is(m.RequeueAnchorJob(ctx, "r-1"), ErrAnchorExists))
	assert.True(t, errors.Is(m.RequeueAnchorJob(ctx, "missing"), ErrReportNotFound))
}

func TestMemoryEnqueueMissingAnchorJobs(t *testing.T) {
	m := NewMemory()
	m.now = func() time.Time { return fixedNow }
	ctx := context.Background()
	require.NoError(t, m.InsertReport(ctx, memReport("old", 1, 1, fixedNow.Add(-time.Hour)), nil))
	require.NoError(t, m.InsertReport(ctx, memReport("fresh", 1, 1, fixedNow), nil))
	m.DropAnchorJob("old")
	m.DropAnchorJob("fresh")

	n, err := m.EnqueueMissingAnchorJobs(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.GetAnchorJob(ctx, "old")
	assert.NoError(t, err)
	_, err = m.GetAnchorJob(ctx, "fresh")
	assert.True(t, errors.Is(err, ErrAnchorJobNotFound), "reports inside the grace period are left alone")
}
