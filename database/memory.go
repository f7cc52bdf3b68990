package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aquaguardian/area"
	"aquaguardian/models"
)

// Memory is an in-process report store with the same semantics as
// Database, for local runs and tests.
type Memory struct {
	mu       sync.Mutex
	reports  map[string]*models.Report
	evidence map[string]models.EvidenceRef
	history  []models.StatusChange
	anchors  map[string]models.LedgerAnchor
	jobs     map[string]*models.AnchorJob
	order    []string
	failNext error

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		reports:  map[string]*models.Report{},
		evidence: map[string]models.EvidenceRef{},
		anchors:  map[string]models.LedgerAnchor{},
		jobs:     map[string]*models.AnchorJob{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FailNextInsert makes the next InsertReport return err.
func (m *Memory) FailNextInsert(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) Close() error                        { return nil }
func (m *Memory) Ping(ctx context.Context) error        { return nil }
func (m *Memory) EnsureTables(ctx context.Context) error { return nil }

func (m *Memory) InsertReport(ctx context.Context, r *models.Report, ev *models.EvidenceRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if _, ok := m.reports[r.ID]; ok {
		return fmt.Errorf("duplicate report id %s", r.ID)
	}

	stored := *r
	stored.EvidenceURL = nil
	stored.AnchorFailed = false
	m.reports[r.ID] = &stored
	m.order = append(m.order, r.ID)
	if ev != nil {
		m.evidence[r.ID] = *ev
	}
	m.appendHistoryLocked(r.ID, nil, r.Status, r.SubmitterID, r.CreatedAt)
	m.jobs[r.ID] = &models.AnchorJob{
		ReportID:  r.ID,
		Status:    models.AnchorJobQueued,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.CreatedAt,
	}
	return nil
}

func (m *Memory) appendHistoryLocked(id string, from *models.ReportStatus, to models.ReportStatus, actor string, at time.Time) {
	m.history = append(m.history, models.StatusChange{
		ID:         int64(len(m.history) + 1),
		ReportID:   id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		ChangedAt:  at,
	})
}

func (m *Memory) reportLocked(id string) (*models.Report, bool) {
	r, ok := m.reports[id]
	if !ok {
		return nil, false
	}
	out := *r
	if r.Label != nil {
		l := *r.Label
		out.Label = &l
	}
	if ev, ok := m.evidence[id]; ok {
		loc := ev.Locator
		out.EvidenceURL = &loc
	}
	return &out, true
}

func (m *Memory) GetReport(ctx context.Context, id string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reportLocked(id)
	if !ok {
		return nil, ErrReportNotFound
	}
	return r, nil
}

func (m *Memory) GetEvidence(ctx context.Context, reportID string) (*models.EvidenceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[reportID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) ListReports(ctx context.Context, f models.ReportFilter) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Report
	for _, id := range m.order {
		r, _ := m.reportLocked(id)
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !r.CreatedAt.Before(*f.Until) {
			continue
		}
		if f.AnchorFailed != nil && r.AnchorFailed != *f.AnchorFailed {
			continue
		}
		if f.HasLocation() && area.DistanceKm(*f.Latitude, *f.Longitude, r.Latitude, r.Longitude) > f.RadiusKm {
			continue
		}
		matched = append(matched, *r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	out := []models.Report{}
	if offset >= len(matched) {
		return out, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return append(out, matched[offset:end]...), nil
}

func (m *Memory) VerifyReport(ctx context.Context, id, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrReportNotFound
	}
	if r.Status != models.StatusPending {
		return fmt.Errorf("%w: report %s is %s", ErrInvalidTransition, id, r.Status)
	}
	r.Status = models.StatusVerified
	from := models.StatusPending
	m.appendHistoryLocked(id, &from, models.StatusVerified, actor, m.now())
	return nil
}

func (m *Memory) GetStatusHistory(ctx context.Context, id string) ([]models.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.StatusChange{}
	for _, c := range m.history {
		if c.ReportID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetAnchor(ctx context.Context, reportID string) (*models.LedgerAnchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[reportID]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	return &a, nil
}

// AnchorCount is the number of LedgerAnchor rows.
func (m *Memory) AnchorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.anchors)
}

func (m *Memory) InsertAnchor(ctx context.Context, a *models.LedgerAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[a.ReportID]; !ok {
		return ErrReportNotFound
	}
	if _, ok := m.anchors[a.ReportID]; ok {
		return ErrAnchorExists
	}
	m.anchors[a.ReportID] = *a
	return nil
}

func (m *Memory) ClaimAnchorJob(ctx context.Context, reportID string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[reportID]
	if !ok {
		return false, nil
	}
	now := m.now()
	expired := j.Status == models.AnchorJobRunning && j.LeaseUntil != nil && j.LeaseUntil.Before(now)
	if j.Status != models.AnchorJobQueued && !expired {
		return false, nil
	}
	until := now.Add(lease)
	j.Status = models.AnchorJobRunning
	j.LeaseUntil = &until
	j.UpdatedAt = now
	return true, nil
}

func (m *Memory) RecordAnchorAttempt(ctx context.Context, reportID string, attemptErr string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[reportID]
	if !ok || j.Status != models.AnchorJobRunning {
		return nil
	}
	now := m.now()
	until := now.Add(lease)
	j.Attempts++
	j.LeaseUntil = &until
	j.UpdatedAt = now
	if attemptErr != "" {
		j.LastError = &attemptErr
	} else {
		j.LastError = nil
	}
	return nil
}

func (m *Memory) RecordAnchorTx(ctx context.Context, reportID, ref string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[reportID]
	if !ok || j.Status != models.AnchorJobRunning {
		return nil
	}
	now := m.now()
	until := now.Add(lease)
	j.LastTx = &ref
	j.LeaseUntil = &until
	j.UpdatedAt = now
	return nil
}

func (m *Memory) CompleteAnchorJob(ctx context.Context, reportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[reportID]; ok {
		j.Status = models.AnchorJobDone
		j.LeaseUntil = nil
		j.LastError = nil
		j.UpdatedAt = m.now()
	}
	if r, ok := m.reports[reportID]; ok {
		r.AnchorFailed = false
	}
	return nil
}

func (m *Memory) ReleaseAnchorJob(ctx context.Context, reportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[reportID]; ok && j.Status == models.AnchorJobRunning {
		j.Status = models.AnchorJobQueued
		j.LeaseUntil = nil
		j.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) FailAnchorJob(ctx context.Context, reportID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[reportID]; ok {
		j.Status = models.AnchorJobFailed
		j.LastError = &lastErr
		j.LeaseUntil = nil
		j.UpdatedAt = m.now()
	}
	if r, ok := m.reports[reportID]; ok {
		r.AnchorFailed = true
	}
	return nil
}

func (m *Memory) sortedJobsLocked() []*models.AnchorJob {
	jobs := make([]*models.AnchorJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ReportID < jobs[k].ReportID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs
}

func (m *Memory) ListDueAnchorJobs(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ids := []string{}
	for _, j := range m.sortedJobsLocked() {
		if len(ids) >= limit {
			break
		}
		queuedDue := j.Status == models.AnchorJobQueued && !j.UpdatedAt.After(now.Add(-grace))
		leaseExpired := j.Status == models.AnchorJobRunning && j.LeaseUntil != nil && j.LeaseUntil.Before(now)
		if queuedDue || leaseExpired {
			ids = append(ids, j.ReportID)
		}
	}
	return ids, nil
}

func (m *Memory) EnqueueMissingAnchorJobs(ctx context.Context, grace time.Duration, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-grace)
	var n int64
	for _, id := range m.order {
		if int(n) >= limit {
			break
		}
		r := m.reports[id]
		_, hasJob := m.jobs[id]
		_, hasAnchor := m.anchors[id]
		if hasJob || hasAnchor || r.CreatedAt.After(cutoff) {
			continue
		}
		m.jobs[id] = &models.AnchorJob{
			ReportID:  id,
			Status:    models.AnchorJobQueued,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.CreatedAt,
		}
		n++
	}
	return n, nil
}

// DropAnchorJob deletes a job row, simulating a report committed by a
// process that crashed before its job was written.
func (m *Memory) DropAnchorJob(reportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, reportID)
}

func (m *Memory) RequeueFailedAnchorJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.AnchorJobFailed && !j.UpdatedAt.After(now.Add(-olderThan)) {
			j.Status = models.AnchorJobQueued
			j.LeaseUntil = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequeueAnchorJob(ctx context.Context, reportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.anchors[reportID]; ok {
		return ErrAnchorExists
	}
	r, ok := m.reports[reportID]
	if !ok {
		return ErrReportNotFound
	}
	now := m.now()
	j, ok := m.jobs[reportID]
	if !ok {
		m.jobs[reportID] = &models.AnchorJob{ReportID: r.ID, Status: models.AnchorJobQueued, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	if j.Status == models.AnchorJobFailed {
		j.Status = models.AnchorJobQueued
		j.LeaseUntil = nil
	}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) GetAnchorJob(ctx context.Context, reportID string) (*models.AnchorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[reportID]
	if !ok {
		return nil, ErrAnchorJobNotFound
	}
	out := *j
	return &out, nil
}

func (m *Memory) ListAnchorFailed(ctx context.Context, limit int) ([]models.AnchorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AnchorJob{}
	for _, j := range m.sortedJobsLocked() {
		if j.Status == models.AnchorJobFailed {
			out = append(out, *j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountAnchorJobs(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, j := range m.jobs {
		counts[string(j.Status)]++
	}
	return counts, nil
}
