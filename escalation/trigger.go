package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"aquaguardian/metrics"
	"aquaguardian/models"
	"aquaguardian/notifier"
)

// DefaultThreshold is the minimum confidence that escalates a report.
const DefaultThreshold = 0.90

// Options configure the trigger
type Options struct {
	Threshold   float64
	Timeout     time.Duration
	Concurrency int
}

// Trigger notifies authorities about high confidence detections
type Trigger struct {
	notifier notifier.Notifier
	opts     Options

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopping bool
}

func NewTrigger(n notifier.Notifier, opts Options) *Trigger {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Trigger{
		notifier: n,
		opts:     opts,
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

// ShouldEscalate reports whether the classification crosses the threshold.
// Unclassified reports never escalate.
func (t *Trigger) ShouldEscalate(report *models.Report) bool {
	return report.Label != nil && report.Confidence >= t.opts.Threshold
}

// MaybeNotify calls the notifier once when the report crosses the
// threshold. It returns whether a notification was sent.
func (t *Trigger) MaybeNotify(ctx context.Context, report *models.Report) (bool, error) {
	if !t.ShouldEscalate(report) {
		metrics.EscalationsTotal.WithLabelValues("below_threshold").Inc()
		return false, nil
	}
	if err := t.notifier.Notify(ctx, report); err != nil {
		metrics.EscalationsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("failed to notify authorities: %w", err)
	}
	metrics.EscalationsTotal.WithLabelValues("sent").Inc()
	return true, nil
}

// Dispatch evaluates report in the background. It never blocks the caller
// on the notifier and never retries a failed notification.
func (t *Trigger) Dispatch(report models.Report) {
	if !t.ShouldEscalate(&report) {
		metrics.EscalationsTotal.WithLabelValues("below_threshold").Inc()
		return
	}

	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		log.WithField("report_id", report.ID).Warn("Escalation trigger stopped, dropping notification")
		metrics.EscalationsTotal.WithLabelValues("dropped").Inc()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.sem <- struct{}{}
		defer func() { <-t.sem }()

		ctx := context.Background()
		if t.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
			defer cancel()
		}

		logger := log.WithFields(log.Fields{"report_id": report.ID, "confidence": report.Confidence})
		notified, err := t.MaybeNotify(ctx, &report)
		if err != nil {
			logger.Errorf("Escalation failed: %v", err)
			return
		}
		if notified {
			logger.Info("Report escalated to authorities")
		}
	}()
}

// Stop refuses new notifications and waits for in-flight ones.
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()
	t.wg.Wait()
	log.Info("Escalation trigger stopped")
}
