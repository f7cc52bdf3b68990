package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aquaguardian/common"
	"aquaguardian/models"
)

// GetAnchor returns the ledger anchor of a report or ErrAnchorNotFound
func (d *Database) GetAnchor(ctx context.Context, reportID string) (*models.LedgerAnchor, error) {
	var a models.LedgerAnchor
	err := d.db.QueryRowContext(ctx, `SELECT report_id, content_hash, ledger_ref, anchored_at
		FROM ledger_anchors WHERE report_id = ?`, reportID).
		Scan(&a.ReportID, &a.ContentHash, &a.LedgerRef, &a.AnchoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor for %s: %w", reportID, err)
	}
	return &a, nil
}

// InsertAnchor records a successful anchoring. The primary key on report_id
// turns a racing second insert into ErrAnchorExists.
func (d *Database) InsertAnchor(ctx context.Context, a *models.LedgerAnchor) error {
	_, err := d.db.ExecContext(ctx, `INSERT
	  INTO ledger_anchors (report_id, content_hash, ledger_ref, anchored_at)
	  VALUES (?, ?, ?, ?)`,
		a.ReportID, a.ContentHash, a.LedgerRef, a.AnchoredAt)
	if isDuplicateKey(err) {
		return ErrAnchorExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert anchor for %s: %w", a.ReportID, err)
	}
	return nil
}

// ClaimAnchorJob takes the lease of a queued job, or of a running job whose
// lease expired. It returns false when the job is held by another worker,
// already finished, or missing.
func (d *Database) ClaimAnchorJob(ctx context.Context, reportID string, lease time.Duration) (bool, error) {
	now := d.now()
	result, err := d.db.ExecContext(ctx, `UPDATE anchor_jobs
		SET status = ?, lease_until = ?, updated_at = ?
		WHERE report_id = ?
		  AND (status = ? OR (status = ? AND lease_until < ?))`,
		string(models.AnchorJobRunning), now.Add(lease), now,
		reportID, string(models.AnchorJobQueued), string(models.AnchorJobRunning), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim anchor job %s: %w", reportID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n == 1, nil
}

// RecordAnchorAttempt counts an attempt, stores its error (empty for none)
// and extends the lease.
func (d *Database) RecordAnchorAttempt(ctx context.Context, reportID string, attemptErr string, lease time.Duration) error {
	now := d.now()
	var lastErr any
	if attemptErr != "" {
		lastErr = attemptErr
	}
	result, err := d.db.ExecContext(ctx, `UPDATE anchor_jobs
		SET attempts = attempts + 1, last_error = ?, lease_until = ?, updated_at = ?
		WHERE report_id = ? AND status = ?`,
		lastErr, now.Add(lease), now, reportID, string(models.AnchorJobRunning))
	common.LogResult("recordAnchorAttempt", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to record anchor attempt for %s: %w", reportID, err)
	}
	return nil
}

// RecordAnchorTx stores the reference of a ledger write as soon as it is
// sent, so a later attempt can follow that write instead of sending another.
// The lease is extended.
func (d *Database) RecordAnchorTx(ctx context.Context, reportID, ref string, lease time.Duration) error {
	now := d.now()
	result, err := d.db.ExecContext(ctx, `UPDATE anchor_jobs
		SET last_tx = ?, lease_until = ?, updated_at = ?
		WHERE report_id = ? AND status = ?`,
		ref, now.Add(lease), now, reportID, string(models.AnchorJobRunning))
	common.LogResult("recordAnchorTx", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to record anchor tx for %s: %w", reportID, err)
	}
	return nil
}

// CompleteAnchorJob marks the job done and clears a stale anchor_failed flag.
func (d *Database) CompleteAnchorJob(ctx context.Context, reportID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE anchor_jobs
		SET status = ?, lease_until = NULL, last_error = NULL, updated_at = ?
		WHERE report_id = ?`,
		string(models.AnchorJobDone), d.now(), reportID)
	common.LogResult("completeAnchorJob", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to complete anchor job %s: %w", reportID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE reports SET anchor_failed = FALSE WHERE id = ? AND anchor_failed = TRUE`, reportID); err != nil {
		return fmt.Errorf("failed to clear anchor_failed for %s: %w", reportID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anchor job completion: %w", err)
	}
	return nil
}

// ReleaseAnchorJob hands a running job back to the queue, used on shutdown.
func (d *Database) ReleaseAnchorJob(ctx context.Context, reportID string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE anchor_jobs
		SET status = ?, lease_until = NULL, updated_at = ?
		WHERE report_id = ? AND status = ?`,
		string(models.AnchorJobQueued), d.now(), reportID, string(models.AnchorJobRunning))
	if err != nil {
		return fmt.Errorf("failed to release anchor job %s: %w", reportID, err)
	}
	return nil
}

// FailAnchorJob marks the job failed and raises the report's anchor_failed
// flag in one transaction. The report's lifecycle status is left alone.
func (d *Database) FailAnchorJob(ctx context.Context, reportID string, lastErr string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE anchor_jobs
		SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
		WHERE report_id = ?`,
		string(models.AnchorJobFailed), lastErr, d.now(), reportID)
	common.LogResult("failAnchorJob", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to fail anchor job %s: %w", reportID, err)
	}

	result, err = tx.ExecContext(ctx, `UPDATE reports SET anchor_failed = TRUE WHERE id = ?`, reportID)
	common.LogResult("setAnchorFailed", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to set anchor_failed for %s: %w", reportID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anchor job failure: %w", err)
	}
	return nil
}

// ListDueAnchorJobs returns report IDs whose job is queued and untouched for
// at least grace, or running with an expired lease.
func (d *Database) ListDueAnchorJobs(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	now := d.now()
	rows, err := d.db.QueryContext(ctx, `SELECT report_id FROM anchor_jobs
		WHERE (status = ? AND updated_at <= ?)
		   OR (status = ? AND lease_until < ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		string(models.AnchorJobQueued), now.Add(-grace),
		string(models.AnchorJobRunning), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due anchor jobs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan anchor job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anchor jobs: %w", err)
	}
	return ids, nil
}

// EnqueueMissingAnchorJobs creates queued jobs for reports older than grace
// that have neither a job nor an anchor. The jobs keep the report's
// creation time so they are due immediately.
func (d *Database) EnqueueMissingAnchorJobs(ctx context.Context, grace time.Duration, limit int) (int64, error) {
	result, err := d.db.ExecContext(ctx, `INSERT INTO anchor_jobs (report_id, status, attempts, created_at, updated_at)
		SELECT r.id, ?, 0, r.created_at, r.created_at
		FROM reports r
		LEFT JOIN anchor_jobs j ON j.report_id = r.id
		LEFT JOIN ledger_anchors a ON a.report_id = r.id
		WHERE j.report_id IS NULL AND a.report_id IS NULL AND r.created_at <= ?
		ORDER BY r.created_at ASC
		LIMIT ?`,
		string(models.AnchorJobQueued), d.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue missing anchor jobs: %w", err)
	}
	return result.RowsAffected()
}

// RequeueFailedAnchorJobs puts failed jobs last touched before olderThan back
// in the queue.
func (d *Database) RequeueFailedAnchorJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := d.now()
	result, err := d.db.ExecContext(ctx, `UPDATE anchor_jobs
		SET status = ?, lease_until = NULL, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		string(models.AnchorJobQueued), now, string(models.AnchorJobFailed), now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed anchor jobs: %w", err)
	}
	return result.RowsAffected()
}

// RequeueAnchorJob is the operator action for a single report. A report
// without any job gets one. ErrAnchorExists is returned for reports that are
// already anchored.
func (d *Database) RequeueAnchorJob(ctx context.Context, reportID string) error {
	if _, err := d.GetAnchor(ctx, reportID); err == nil {
		return ErrAnchorExists
	} else if !errors.Is(err, ErrAnchorNotFound) {
		return err
	}

	now := d.now()
	result, err := d.db.ExecContext(ctx, `INSERT INTO anchor_jobs (report_id, status, attempts, created_at, updated_at)
		SELECT id, ?, 0, ?, ? FROM reports WHERE id = ?
		ON DUPLICATE KEY UPDATE
			status = IF(status = ?, VALUES(status), status),
			lease_until = IF(status = ?, NULL, lease_until),
			updated_at = VALUES(updated_at)`,
		string(models.AnchorJobQueued), now, now, reportID,
		string(models.AnchorJobFailed), string(models.AnchorJobQueued))
	if err != nil {
		return fmt.Errorf("failed to requeue anchor job %s: %w", reportID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrReportNotFound
	}
	return nil
}

// GetAnchorJob returns the persisted job of a report
func (d *Database) GetAnchorJob(ctx context.Context, reportID string) (*models.AnchorJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT report_id, status, attempts, last_error, lease_until, last_tx, created_at, updated_at
		FROM anchor_jobs WHERE report_id = ?`, reportID)
	j, err := scanAnchorJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnchorJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor job %s: %w", reportID, err)
	}
	return j, nil
}

// ListAnchorFailed returns failed jobs, most recently failed first
func (d *Database) ListAnchorFailed(ctx context.Context, limit int) ([]models.AnchorJob, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT report_id, status, attempts, last_error, lease_until, last_tx, created_at, updated_at
		FROM anchor_jobs
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`, string(models.AnchorJobFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed anchor jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.AnchorJob{}
	for rows.Next() {
		j, err := scanAnchorJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anchor job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anchor jobs: %w", err)
	}
	return jobs, nil
}

// CountAnchorJobs returns the number of jobs per status
func (d *Database) CountAnchorJobs(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM anchor_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count anchor jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan anchor job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anchor job counts: %w", err)
	}
	return counts, nil
}

func scanAnchorJob(s rowScanner) (*models.AnchorJob, error) {
	var (
		j       models.AnchorJob
		status  string
		lastErr sql.NullString
		lease   sql.NullTime
		lastTx  sql.NullString
	)
	if err := s.Scan(&j.ReportID, &status, &j.Attempts, &lastErr, &lease, &lastTx, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.AnchorJobStatus(status)
	if lastErr.Valid {
		e := lastErr.String
		j.LastError = &e
	}
	if lease.Valid {
		l := lease.Time
		j.LeaseUntil = &l
	}
	if lastTx.Valid {
		tx := lastTx.String
		j.LastTx = &tx
	}
	return &j, nil
}
