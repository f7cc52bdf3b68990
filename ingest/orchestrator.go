package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aquaguardian/classifier"
	"aquaguardian/evidence"
	"aquaguardian/metrics"
	"aquaguardian/models"
)

// ReportStore is the durable insert used by the fast path.
type ReportStore interface {
	InsertReport(ctx context.Context, r *models.Report, ev *models.EvidenceRef) error
}

// AnchorDispatcher schedules anchoring of a committed report without blocking.
type AnchorDispatcher interface {
	Enqueue(reportID string)
}

// EscalationDispatcher evaluates a classified report in the background.
type EscalationDispatcher interface {
	Dispatch(report models.Report)
}

// Options bound the fast path.
type Options struct {
	Limits            Limits
	EvidenceTimeout   time.Duration
	ClassifierTimeout time.Duration
}

// Orchestrator runs the synchronous submission path
type Orchestrator struct {
	store       ReportStore
	evidence    evidence.Store
	classifier  classifier.Classifier
	anchors     AnchorDispatcher
	escalations EscalationDispatcher
	opts        Options

	newID func() string
	now   func() time.Time
}

func NewOrchestrator(store ReportStore, ev evidence.Store, cl classifier.Classifier,
	anchors AnchorDispatcher, escalations EscalationDispatcher, opts Options) *Orchestrator {
	return &Orchestrator{
		store:       store,
		evidence:    ev,
		classifier:  cl,
		anchors:     anchors,
		escalations: escalations,
		opts:        opts,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// Submit validates s, stores its evidence and classification on a best
// effort basis, commits the report and schedules background work. It
// returns as soon as the report row is committed.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (*models.Report, error) {
	s, err := o.opts.Limits.Validate(s)
	if err != nil {
		metrics.ReportsSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	report := &models.Report{
		ID:          o.newID(),
		SubmitterID: s.SubmitterID,
		Latitude:    s.Latitude,
		Longitude:   s.Longitude,
		Description: s.Description,
		Severity:    s.Severity,
		Status:      models.StatusPending,
		CreatedAt:   o.now().UTC().Truncate(time.Microsecond),
	}
	logger := log.WithField("report_id", report.ID)

	var (
		locator string
		result  = classifier.Degraded()
		reason  = classifier.ReasonNoImage
	)
	if len(s.Image) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			locator = o.storeEvidence(gctx, logger, s.Image)
			return nil
		})
		g.Go(func() error {
			result, reason = o.classify(gctx, logger, s.Image)
			return nil
		})
		g.Wait()
	}

	report.Label = result.Label
	report.Confidence = result.Confidence

	var ev *models.EvidenceRef
	if locator != "" {
		ev = &models.EvidenceRef{ReportID: report.ID, Locator: locator}
		report.EvidenceURL = &locator
	}

	if err := o.store.InsertReport(ctx, report, ev); err != nil {
		metrics.ReportsSubmittedTotal.WithLabelValues("persistence_error").Inc()
		logger.Errorf("Failed to insert report: %v", err)
		return nil, &PersistenceError{Err: err}
	}
	metrics.ReportsSubmittedTotal.WithLabelValues("accepted").Inc()
	if reason != "" {
		metrics.ClassificationDegradedTotal.WithLabelValues(reason).Inc()
	}

	o.anchors.Enqueue(report.ID)
	o.escalations.Dispatch(*report)

	logger.WithFields(log.Fields{
		"severity":   report.Severity,
		"label":      labelOrNull(report.Label),
		"confidence": report.Confidence,
		"evidence":   ev != nil,
	}).Info("Report accepted")
	return report, nil
}

func (o *Orchestrator) storeEvidence(ctx context.Context, logger log.Interface, image []byte) string {
	key := evidence.ContentKey(image)
	locator, err := bounded(ctx, o.opts.EvidenceTimeout, func(ctx context.Context) (string, error) {
		return o.evidence.Put(ctx, image, key)
	})
	if err != nil {
		metrics.EvidenceFailuresTotal.Inc()
		logger.Warnf("Evidence upload failed, storing report without evidence: %v", err)
		return ""
	}
	return locator
}

func (o *Orchestrator) classify(ctx context.Context, logger log.Interface, image []byte) (classifier.Result, string) {
	res, err := bounded(ctx, o.opts.ClassifierTimeout, func(ctx context.Context) (classifier.Result, error) {
		return o.classifier.Classify(ctx, image)
	})
	if err != nil {
		reason := classifier.ReasonError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = classifier.ReasonTimeout
		}
		logger.Warnf("Classification failed, storing report unclassified: %v", err)
		return classifier.Degraded(), reason
	}
	normalized, reason := classifier.Normalize(res.Label, res.Confidence)
	if reason != "" && res.Label != nil {
		logger.Warnf("Discarding classifier output %q/%v: %s", *res.Label, res.Confidence, reason)
	}
	return normalized, reason
}

// bounded runs fn with a timeout and returns when the timeout fires even if
// fn ignores its context.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func labelOrNull(label *string) string {
	if label == nil {
		return "null"
	}
	return *label
}
