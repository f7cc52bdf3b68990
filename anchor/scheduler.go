package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"aquaguardian/database"
	"aquaguardian/ledger"
	"aquaguardian/metrics"
	"aquaguardian/models"
)

// DefaultBookkeepingTimeout bounds each bookkeeping write of a run.
const DefaultBookkeepingTimeout = 10 * time.Second

// Store is the anchoring bookkeeping in the report store.
type Store interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	GetAnchor(ctx context.Context, reportID string) (*models.LedgerAnchor, error)
	InsertAnchor(ctx context.Context, a *models.LedgerAnchor) error
	ClaimAnchorJob(ctx context.Context, reportID string, lease time.Duration) (bool, error)
	RecordAnchorAttempt(ctx context.Context, reportID string, attemptErr string, lease time.Duration) error
	RecordAnchorTx(ctx context.Context, reportID, ref string, lease time.Duration) error
	GetAnchorJob(ctx context.Context, reportID string) (*models.AnchorJob, error)
	CompleteAnchorJob(ctx context.Context, reportID string) error
	ReleaseAnchorJob(ctx context.Context, reportID string) error
	FailAnchorJob(ctx context.Context, reportID string, lastErr string) error
	ListDueAnchorJobs(ctx context.Context, grace time.Duration, limit int) ([]string, error)
	EnqueueMissingAnchorJobs(ctx context.Context, grace time.Duration, limit int) (int64, error)
	RequeueFailedAnchorJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options configure the scheduler
type Options struct {
	Workers          int
	QueueSize        int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	AttemptTimeout   time.Duration
	Lease            time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	OrphanGrace      time.Duration
	FailedRetryAfter time.Duration

	// BookkeepingTimeout bounds each store write made while running a job.
	BookkeepingTimeout time.Duration
}

// Outcome of one Anchor call
type Outcome string

const (
	// OutcomeAnchored means this call wrote the LedgerAnchor row.
	OutcomeAnchored Outcome = "anchored"
	// OutcomeAlreadyAnchored means a LedgerAnchor row already existed.
	OutcomeAlreadyAnchored Outcome = "already_anchored"
	// OutcomeSkipped means the job is held by another worker or not runnable.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means retries were exhausted and anchor_failed was set.
	OutcomeFailed Outcome = "failed"
	// OutcomeReleased means the job went back to the queue unfinished.
	OutcomeReleased Outcome = "released"
)

// SweepResult summarises one reconciliation pass
type SweepResult struct {
	Orphans  int64 `json:"orphans"`
	Requeued int64 `json:"requeued"`
	Enqueued int   `json:"enqueued"`
}

// Scheduler anchors committed reports in the background. Work units are
// persisted anchor jobs; the in-process queue only carries report IDs.
type Scheduler struct {
	store  Store
	ledger ledger.Ledger
	opts   Options

	queue     chan string
	pendingMu sync.Mutex
	pending   map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool

	now func() time.Time
}

func NewScheduler(store Store, l ledger.Ledger, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.SweepBatch < 1 {
		opts.SweepBatch = 100
	}
	if opts.BookkeepingTimeout <= 0 {
		opts.BookkeepingTimeout = DefaultBookkeepingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		ledger:   l,
		opts:     opts,
		queue:    make(chan string, opts.QueueSize),
		pending:  map[string]struct{}{},
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the workers and the periodic sweep
func (s *Scheduler) Start() {
	s.started = true
	log.Infof("Starting anchor scheduler: %d workers, max %d attempts, sweep every %v",
		s.opts.Workers, s.opts.MaxAttempts, s.opts.SweepInterval)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop cancels backoff waits and waits for in-flight attempts to finish.
// Jobs interrupted between attempts are released to the queue.
func (s *Scheduler) Stop() {
	if !s.started {
		s.cancel()
		return
	}
	log.Info("Stopping anchor scheduler...")
	close(s.stopChan)
	s.cancel()
	s.wg.Wait()
	log.Info("Anchor scheduler stopped")
}

// Enqueue schedules anchoring of reportID without blocking. When the queue
// is full the persisted job is left for the next sweep.
func (s *Scheduler) Enqueue(reportID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pending[reportID]; ok {
		return
	}
	select {
	case s.queue <- reportID:
		s.pending[reportID] = struct{}{}
		metrics.AnchorQueueDepth.Inc()
	default:
		log.WithField("report_id", reportID).Warn("Anchor queue full, leaving job for the sweep")
	}
}

func (s *Scheduler) dequeued(reportID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, reportID)
	metrics.AnchorQueueDepth.Dec()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case id := <-s.queue:
			s.dequeued(id)
			s.process(id)
		}
	}
}

func (s *Scheduler) process(reportID string) {
	metrics.AnchorWorkersInFlight.Inc()
	defer metrics.AnchorWorkersInFlight.Dec()

	start := time.Now()
	outcome, err := s.Anchor(s.ctx, reportID)
	logger := log.WithFields(log.Fields{"report_id": reportID, "outcome": outcome})
	switch {
	case err != nil && outcome == OutcomeFailed:
		logger.Errorf("Anchoring failed permanently: %v", err)
	case err != nil:
		logger.Warnf("Anchoring interrupted: %v", err)
	default:
		logger.Debug("Anchor job processed")
	}
	if outcome == OutcomeAnchored || outcome == OutcomeFailed {
		metrics.AnchorDurationSeconds.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	s.runSweep()
	if s.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runSweep()
		}
	}
}

func (s *Scheduler) runSweep() {
	res, err := s.Sweep(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Errorf("Anchor sweep failed: %v", err)
		}
		return
	}
	if res.Orphans > 0 || res.Requeued > 0 || res.Enqueued > 0 {
		log.Infof("Anchor sweep: %d orphaned reports, %d failed jobs requeued, %d jobs enqueued",
			res.Orphans, res.Requeued, res.Enqueued)
	}
}

// Sweep reconciles persisted state with the in-process queue: reports
// without a job get one, failed jobs are optionally requeued, and due jobs
// (stale queued, or running with an expired lease) are enqueued.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	n, err := s.store.EnqueueMissingAnchorJobs(ctx, s.opts.OrphanGrace, s.opts.SweepBatch)
	if err != nil {
		return res, err
	}
	res.Orphans = n

	if s.opts.FailedRetryAfter > 0 {
		n, err := s.store.RequeueFailedAnchorJobs(ctx, s.opts.FailedRetryAfter)
		if err != nil {
			return res, err
		}
		res.Requeued = n
	}

	ids, err := s.store.ListDueAnchorJobs(ctx, s.opts.OrphanGrace, s.opts.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		s.Enqueue(id)
	}
	res.Enqueued = len(ids)
	return res, nil
}

// Anchor runs one report through the anchoring algorithm. It is safe to
// call any number of times, concurrently, for the same report: the job
// lease admits one runner and the unique anchor row admits one success.
// Cancelling ctx stops retries but never an attempt already sent.
func (s *Scheduler) Anchor(ctx context.Context, reportID string) (Outcome, error) {
	logger := log.WithField("report_id", reportID)

	if _, err := s.store.GetAnchor(ctx, reportID); err == nil {
		// A run that wrote the anchor may have failed to close its job.
		s.complete(ctx, reportID)
		return OutcomeAlreadyAnchored, nil
	} else if !errors.Is(err, database.ErrAnchorNotFound) {
		return "", fmt.Errorf("failed to look up anchor: %w", err)
	}

	claimed, err := s.store.ClaimAnchorJob(ctx, reportID, s.opts.Lease)
	if err != nil {
		return "", err
	}
	if !claimed {
		return OutcomeSkipped, nil
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		s.release(ctx, reportID)
		return OutcomeReleased, fmt.Errorf("failed to read report: %w", err)
	}
	hash := ContentHash(report)
	logger = logger.WithField("hash", hash)

	lastTx := ""
	if job, err := s.store.GetAnchorJob(ctx, reportID); err != nil {
		s.release(ctx, reportID)
		return OutcomeReleased, fmt.Errorf("failed to read anchor job: %w", err)
	} else if job.LastTx != nil {
		lastTx = *job.LastTx
	}

	var (
		ref       string
		recovered bool
		lastErr   error
	)
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		ref, recovered, lastErr = s.attempt(ctx, reportID, hash, &lastTx)

		attemptErr := ""
		if lastErr != nil {
			attemptErr = lastErr.Error()
		}
		s.bookkeeping(ctx, "record attempt", func(bctx context.Context) error {
			return s.store.RecordAnchorAttempt(bctx, reportID, attemptErr, s.opts.Lease)
		})

		if lastErr == nil {
			if recovered {
				metrics.AnchorAttemptsTotal.WithLabelValues("recovered").Inc()
			} else {
				metrics.AnchorAttemptsTotal.WithLabelValues("success").Inc()
			}
			break
		}
		metrics.AnchorAttemptsTotal.WithLabelValues("error").Inc()
		logger.WithField("attempt", attempt).Warnf("Anchor attempt failed: %v", lastErr)

		if attempt == s.opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, Backoff(s.opts.BaseBackoff, s.opts.MaxBackoff, attempt)); err != nil {
			s.release(ctx, reportID)
			return OutcomeReleased, err
		}
	}

	if lastErr != nil {
		metrics.AnchorExhaustedTotal.Inc()
		err := s.bookkeeping(ctx, "fail job", func(bctx context.Context) error {
			return s.store.FailAnchorJob(bctx, reportID, lastErr.Error())
		})
		if err != nil {
			return OutcomeFailed, fmt.Errorf("retries exhausted (%v) and failed to flag report: %w", lastErr, err)
		}
		return OutcomeFailed, fmt.Errorf("anchoring failed after %d attempts: %w", s.opts.MaxAttempts, lastErr)
	}

	outcome := OutcomeAnchored
	err = s.bookkeeping(ctx, "insert anchor", func(bctx context.Context) error {
		return s.store.InsertAnchor(bctx, &models.LedgerAnchor{
			ReportID:    reportID,
			ContentHash: hash,
			LedgerRef:   ref,
			AnchoredAt:  s.now().UTC().Truncate(time.Microsecond),
		})
	})
	if errors.Is(err, database.ErrAnchorExists) {
		outcome = OutcomeAlreadyAnchored
	} else if err != nil {
		// The hash is on the ledger; the next run recovers the reference.
		s.release(ctx, reportID)
		return OutcomeReleased, fmt.Errorf("ledger write %s succeeded but recording it failed: %w", ref, err)
	}

	s.complete(ctx, reportID)

	logger.WithFields(log.Fields{"ref": ref, "recovered": recovered}).Info("Report anchored")
	return outcome, nil
}

// attempt performs one bounded ledger round trip. A write sent by an earlier
// attempt is followed rather than sent again, and a hash that is already on
// the ledger is located instead of written. lastTx is updated as soon as a
// new write is sent.
func (s *Scheduler) attempt(ctx context.Context, reportID, hash string, lastTx *string) (ref string, recovered bool, err error) {
	actx := context.WithoutCancel(ctx)
	if s.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, s.opts.AttemptTimeout)
		defer cancel()
	}

	if *lastTx != "" {
		state, err := s.ledger.State(actx, *lastTx)
		if err != nil {
			return "", false, fmt.Errorf("state of %s: %w", *lastTx, err)
		}
		switch state {
		case ledger.WriteConfirmed:
			return *lastTx, true, nil
		case ledger.WritePending:
			if err := s.ledger.Await(actx, *lastTx); err != nil {
				return "", false, fmt.Errorf("await %s: %w", *lastTx, err)
			}
			return *lastTx, true, nil
		}
		log.WithFields(log.Fields{"report_id": reportID, "tx": *lastTx, "state": state}).
			Warn("Previous anchor write did not land, writing again")
	}

	exists, err := s.ledger.Exists(actx, hash)
	if err != nil {
		return "", false, fmt.Errorf("exists check: %w", err)
	}
	if exists {
		ref, err := s.ledger.Locate(actx, hash)
		if err != nil {
			return "", false, fmt.Errorf("locate: %w", err)
		}
		return ref, true, nil
	}

	ref, err = s.ledger.Send(actx, hash)
	if err != nil {
		return "", false, fmt.Errorf("send: %w", err)
	}
	*lastTx = ref
	s.bookkeeping(ctx, "record tx", func(bctx context.Context) error {
		return s.store.RecordAnchorTx(bctx, reportID, ref, s.opts.Lease)
	})

	if err := s.ledger.Await(actx, ref); err != nil {
		return "", false, fmt.Errorf("await %s: %w", ref, err)
	}
	return ref, false, nil
}

// bookkeeping runs a store write detached from ctx cancellation so shutdown
// cannot drop the record of an attempt.
func (s *Scheduler) bookkeeping(ctx context.Context, what string, fn func(context.Context) error) error {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BookkeepingTimeout)
	defer cancel()
	err := fn(bctx)
	if err != nil && !errors.Is(err, database.ErrAnchorExists) {
		log.Warnf("Anchor bookkeeping (%s) failed: %v", what, err)
	}
	return err
}

// complete marks the job done and clears a stale anchor_failed flag.
func (s *Scheduler) complete(ctx context.Context, reportID string) {
	if err := s.bookkeeping(ctx, "complete job", func(bctx context.Context) error {
		return s.store.CompleteAnchorJob(bctx, reportID)
	}); err != nil {
		log.WithField("report_id", reportID).Warnf("Anchor recorded but job not marked done: %v", err)
	}
}

func (s *Scheduler) release(ctx context.Context, reportID string) {
	s.bookkeeping(ctx, "release job", func(bctx context.Context) error {
		return s.store.ReleaseAnchorJob(bctx, reportID)
	})
}
