package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquaguardian/database"
	"aquaguardian/ledger"
	"aquaguardian/models"
)

var testOptions = Options{
	Workers:        2,
	QueueSize:      16,
	MaxAttempts:    3,
	BaseBackoff:    time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	AttemptTimeout: time.Second,
	Lease:          time.Minute,
	SweepInterval:  0,
	SweepBatch:     10,
	OrphanGrace:    0,
}

type fixture struct {
	store  *database.Memory
	ledger *ledger.MemoryLedger
	s      *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:  database.NewMemory(),
		ledger: ledger.NewMemoryLedger(),
	}
	f.s = NewScheduler(f.store, f.ledger, opts)
	return f
}

func (f *fixture) insert(t *testing.T, id string) *models.Report {
	t.Helper()
	r := sampleReport()
	r.ID = id
	r.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.InsertReport(context.Background(), r, nil))
	return r
}

func TestAnchorWritesOnce(t *testing.T) {
	f := newFixture(t, testOptions)
	r := f.insert(t, "r-1")
	ctx := context.Background()

	outcome, err := f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)

	a, err := f.store.GetAnchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, ContentHash(r), a.ContentHash)
	verified, err := f.ledger.Verify(ctx, a.LedgerRef)
	require.NoError(t, err)
	assert.True(t, verified)

	outcome, err = f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyAnchored, outcome)

	job, err := f.store.GetAnchorJob(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.AnchorJobDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, f.ledger.Writes())
	assert.Equal(t, 1, f.ledger.SendCalls())
}

func TestAnchorConcurrentCallsAnchorOnce(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	f.ledger.SetLatency(50 * time.Millisecond)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.s.Anchor(context.Background(), "r-1")
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeAnchored])
	assert.Equal(t, 9, outcomes[OutcomeSkipped]+outcomes[OutcomeAlreadyAnchored])
	assert.Equal(t, 1, f.ledger.SendCalls())
	assert.Equal(t, 1, f.store.AnchorCount())
}

func TestAnchorRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	f.ledger.FailNextSends(2)

	outcome, err := f.s.Anchor(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)

	job, err := f.store.GetAnchorJob(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Nil(t, job.LastError)
}

func TestAnchorRecoversLostAcknowledgement(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	f.ledger.DropNextAcks(1)

	outcome, err := f.s.Anchor(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)

	a, err := f.store.GetAnchor(context.Background(), "r-1")
	require.NoError(t, err)
	ref, err := f.ledger.Locate(context.Background(), a.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, ref, a.LedgerRef, "the stored reference is the one the lost write produced")
	assert.Equal(t, 1, f.ledger.Writes())
	assert.Equal(t, 1, f.ledger.SendCalls(), "the second attempt locates instead of writing")
}

func TestAnchorFollowsPendingWriteAfterTimeout(t *testing.T) {
	opts := testOptions
	opts.MaxAttempts = 100
	opts.AttemptTimeout = 20 * time.Millisecond
	f := newFixture(t, opts)
	f.insert(t, "r-1")
	f.ledger.HoldConfirmations(true)
	ctx := context.Background()

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := f.s.Anchor(ctx, "r-1")
		done <- result{outcome, err}
	}()

	assert.Eventually(t, func() bool {
		job, err := f.store.GetAnchorJob(ctx, "r-1")
		return err == nil && job.Attempts >= 3 && job.LastTx != nil
	}, 2*time.Second, 5*time.Millisecond, "attempts time out while the write is pending")
	f.ledger.HoldConfirmations(false)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, OutcomeAnchored, res.outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("Anchor did not finish after the write was confirmed")
	}

	assert.Equal(t, 1, f.ledger.SendCalls(), "a pending write is never sent twice")
	assert.Equal(t, 1, f.ledger.Writes())

	job, err := f.store.GetAnchorJob(ctx, "r-1")
	require.NoError(t, err)
	a, err := f.store.GetAnchor(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, job.LastTx)
	assert.Equal(t, *job.LastTx, a.LedgerRef)
	assert.Equal(t, models.AnchorJobDone, job.Status)
}

func TestAnchorResendsLostWrite(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	ctx := context.Background()

	claimed, err := f.store.ClaimAnchorJob(ctx, "r-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.store.RecordAnchorTx(ctx, "r-1", "0xdropped", time.Minute))
	require.NoError(t, f.store.ReleaseAnchorJob(ctx, "r-1"))

	outcome, err := f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)
	assert.Equal(t, 1, f.ledger.SendCalls())

	job, _ := f.store.GetAnchorJob(ctx, "r-1")
	require.NotNil(t, job.LastTx)
	assert.NotEqual(t, "0xdropped", *job.LastTx)
}

type flakyCompleteStore struct {
	*database.Memory

	mu            sync.Mutex
	failCompletes int
}

func (s *flakyCompleteStore) CompleteAnchorJob(ctx context.Context, reportID string) error {
	s.mu.Lock()
	if s.failCompletes > 0 {
		s.failCompletes--
		s.mu.Unlock()
		return errors.New("lock wait timeout exceeded")
	}
	s.mu.Unlock()
	return s.Memory.CompleteAnchorJob(ctx, reportID)
}

func TestAnchorClosesJobLeftRunning(t *testing.T) {
	store := &flakyCompleteStore{Memory: database.NewMemory(), failCompletes: 1}
	l := ledger.NewMemoryLedger()
	opts := testOptions
	opts.Lease = time.Millisecond
	s := NewScheduler(store, l, opts)
	ctx := context.Background()

	r := sampleReport()
	r.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.InsertReport(ctx, r, nil))
	require.NoError(t, store.FailAnchorJob(ctx, r.ID, "rpc down"))
	require.NoError(t, store.RequeueAnchorJob(ctx, r.ID))

	outcome, err := s.Anchor(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)

	job, _ := store.GetAnchorJob(ctx, r.ID)
	assert.Equal(t, models.AnchorJobRunning, job.Status, "the failed completion leaves the job running")
	stored, _ := store.GetReport(ctx, r.ID)
	assert.True(t, stored.AnchorFailed)

	time.Sleep(5 * time.Millisecond)
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued, "the expired lease makes the job due")
	id := <-s.queue
	s.dequeued(id)
	assert.Equal(t, r.ID, id)

	outcome, err = s.Anchor(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyAnchored, outcome)

	job, _ = store.GetAnchorJob(ctx, r.ID)
	assert.Equal(t, models.AnchorJobDone, job.Status)
	stored, _ = store.GetReport(ctx, r.ID)
	assert.False(t, stored.AnchorFailed)
	counts, _ := store.CountAnchorJobs(ctx)
	assert.Equal(t, map[string]int{"done": 1}, counts)

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 1, l.SendCalls())
}

func TestAnchorExhaustionFlagsReport(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	f.ledger.FailAlways(true)
	ctx := context.Background()

	outcome, err := f.s.Anchor(ctx, "r-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrUnavailable))
	assert.Equal(t, OutcomeFailed, outcome)

	r, err := f.store.GetReport(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, r.AnchorFailed)
	assert.Equal(t, models.StatusPending, r.Status, "anchoring failure never changes the report status")

	job, _ := f.store.GetAnchorJob(ctx, "r-1")
	assert.Equal(t, models.AnchorJobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	_, err = f.store.GetAnchor(ctx, "r-1")
	assert.True(t, errors.Is(err, database.ErrAnchorNotFound))

	outcome, err = f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "failed jobs wait for a requeue")

	f.ledger.FailAlways(false)
	require.NoError(t, f.store.RequeueAnchorJob(ctx, "r-1"))
	outcome, err = f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnchored, outcome)

	r, _ = f.store.GetReport(ctx, "r-1")
	assert.False(t, r.AnchorFailed)
}

func TestAnchorReleasesOnCancel(t *testing.T) {
	opts := testOptions
	opts.BaseBackoff = time.Second
	opts.MaxBackoff = time.Second
	f := newFixture(t, opts)
	f.insert(t, "r-1")
	f.ledger.FailAlways(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := f.s.Anchor(ctx, "r-1")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, OutcomeReleased, outcome)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, _ := f.store.GetAnchorJob(context.Background(), "r-1")
	assert.Equal(t, models.AnchorJobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	r, _ := f.store.GetReport(context.Background(), "r-1")
	assert.False(t, r.AnchorFailed)
}

func TestAnchorUnknownReport(t *testing.T) {
	f := newFixture(t, testOptions)

	outcome, err := f.s.Anchor(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, f.ledger.SendCalls())
}

func TestAnchorHashSurvivesVerification(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	ctx := context.Background()

	_, err := f.s.Anchor(ctx, "r-1")
	require.NoError(t, err)
	require.NoError(t, f.store.VerifyReport(ctx, "r-1", "inspector"))

	r, _ := f.store.GetReport(ctx, "r-1")
	a, _ := f.store.GetAnchor(ctx, "r-1")
	assert.Equal(t, models.StatusVerified, r.Status)
	assert.Equal(t, ContentHash(r), a.ContentHash)
}

func TestEnqueueDeduplicatesAndNeverBlocks(t *testing.T) {
	opts := testOptions
	opts.QueueSize = 1
	f := newFixture(t, opts)

	f.s.Enqueue("r-1")
	f.s.Enqueue("r-1")
	f.s.Enqueue("r-2")

	assert.Len(t, f.s.queue, 1)
	assert.Equal(t, "r-1", <-f.s.queue)
}

func TestSweepRecoversOrphans(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "orphan")
	f.insert(t, "queued")
	f.store.DropAnchorJob("orphan")

	res, err := f.s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Orphans)
	assert.Equal(t, 2, res.Enqueued)
	assert.Len(t, f.s.queue, 2)
}

func TestSweepRequeuesFailedJobs(t *testing.T) {
	opts := testOptions
	opts.FailedRetryAfter = time.Nanosecond
	f := newFixture(t, opts)
	f.insert(t, "r-1")
	ctx := context.Background()
	require.NoError(t, f.store.FailAnchorJob(ctx, "r-1", "rpc down"))
	time.Sleep(time.Millisecond)

	res, err := f.s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Requeued)
	assert.Equal(t, 1, res.Enqueued)
}

func TestSchedulerAnchorsInBackground(t *testing.T) {
	f := newFixture(t, testOptions)
	f.insert(t, "r-1")
	f.insert(t, "r-2")
	f.store.DropAnchorJob("r-2")

	f.s.Start()
	f.s.Enqueue("r-1")

	assert.Eventually(t, func() bool { return f.store.AnchorCount() == 2 }, 2*time.Second, 10*time.Millisecond,
		"the startup sweep picks up the orphan")
	f.s.Stop()

	assert.Equal(t, 2, f.ledger.Writes())
}

func TestStopReleasesInterruptedJobs(t *testing.T) {
	opts := testOptions
	opts.Workers = 1
	opts.BaseBackoff = time.Minute
	opts.MaxBackoff = time.Minute
	f := newFixture(t, opts)
	f.insert(t, "r-1")
	f.ledger.FailAlways(true)

	f.s.Start()
	assert.Eventually(t, func() bool {
		job, err := f.store.GetAnchorJob(context.Background(), "r-1")
		return err == nil && job.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the backoff wait")
	}

	job, _ := f.store.GetAnchorJob(context.Background(), "r-1")
	assert.Equal(t, models.AnchorJobQueued, job.Status)
}
