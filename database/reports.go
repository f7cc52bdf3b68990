package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"

	"aquaguardian/area"
	"aquaguardian/common"
	"aquaguardian/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const reportColumns = `r.id, r.submitter_id, r.latitude, r.longitude, r.description, r.severity,
	r.label, r.confidence, r.status, r.anchor_failed, r.created_at, e.locator`

// InsertReport commits a new report together with its evidence reference,
// the initial history row and a queued anchor job. The anchoring obligation
// is durable as soon as this returns nil.
func (d *Database) InsertReport(ctx context.Context, r *models.Report, ev *models.EvidenceRef) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT
	  INTO reports (id, submitter_id, latitude, longitude, description, severity, label, confidence, status, anchor_failed, created_at)
	  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubmitterID, r.Latitude, r.Longitude, r.Description, r.Severity,
		r.Label, r.Confidence, string(r.Status), false, r.CreatedAt)
	common.LogResult("insertReport", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if ev != nil {
		result, err = tx.ExecContext(ctx, `INSERT INTO report_evidence (report_id, locator) VALUES (?, ?)`,
			ev.ReportID, ev.Locator)
		common.LogResult("insertEvidence", result, err, true)
		if err != nil {
			return fmt.Errorf("failed to insert evidence: %w", err)
		}
	}

	result, err = tx.ExecContext(ctx, `INSERT
	  INTO report_status_history (report_id, from_status, to_status, actor, changed_at)
	  VALUES (?, NULL, ?, ?, ?)`,
		r.ID, string(r.Status), r.SubmitterID, r.CreatedAt)
	common.LogResult("insertStatusHistory", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}

	result, err = tx.ExecContext(ctx, `INSERT
	  INTO anchor_jobs (report_id, status, attempts, created_at, updated_at)
	  VALUES (?, ?, 0, ?, ?)`,
		r.ID, string(models.AnchorJobQueued), r.CreatedAt, r.CreatedAt)
	common.LogResult("insertAnchorJob", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert anchor job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(s rowScanner) (*models.Report, error) {
	var (
		r       models.Report
		label   sql.NullString
		status  string
		locator sql.NullString
	)
	err := s.Scan(&r.ID, &r.SubmitterID, &r.Latitude, &r.Longitude, &r.Description, &r.Severity,
		&label, &r.Confidence, &status, &r.AnchorFailed, &r.CreatedAt, &locator)
	if err != nil {
		return nil, err
	}
	if label.Valid {
		l := label.String
		r.Label = &l
	}
	if locator.Valid {
		loc := locator.String
		r.EvidenceURL = &loc
	}
	r.Status = models.ReportStatus(status)
	return &r, nil
}

// GetReport returns a single report with its evidence locator
func (d *Database) GetReport(ctx context.Context, id string) (*models.Report, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+reportColumns+`
		FROM reports r
		LEFT JOIN report_evidence e ON e.report_id = r.id
		WHERE r.id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	return r, nil
}

// GetEvidence returns the evidence reference of a report, or nil when the
// report has none.
func (d *Database) GetEvidence(ctx context.Context, reportID string) (*models.EvidenceRef, error) {
	var ev models.EvidenceRef
	err := d.db.QueryRowContext(ctx,
		`SELECT report_id, locator FROM report_evidence WHERE report_id = ?`, reportID).
		Scan(&ev.ReportID, &ev.Locator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence for %s: %w", reportID, err)
	}
	return &ev, nil
}

// ListReports returns reports matching the filter, newest first.
// The location clause uses a bounding box for the index and an exact
// spherical distance check.
func (d *Database) ListReports(ctx context.Context, f models.ReportFilter) ([]models.Report, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		where = append(where, "r.created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where = append(where, "r.created_at < ?")
		args = append(args, f.Until.UTC())
	}
	if f.AnchorFailed != nil {
		where = append(where, "r.anchor_failed = ?")
		args = append(args, *f.AnchorFailed)
	}
	if f.HasLocation() {
		box := area.BoundingBox(*f.Latitude, *f.Longitude, f.RadiusKm)
		where = append(where, "r.latitude BETWEEN ? AND ?")
		args = append(args, box.LatMin, box.LatMax)
		if !box.WrapsLongitude {
			where = append(where, "r.longitude BETWEEN ? AND ?")
			args = append(args, box.LonMin, box.LonMax)
		}
		where = append(where, "ST_Distance_Sphere(POINT(r.longitude, r.latitude), POINT(?, ?)) <= ?")
		args = append(args, *f.Longitude, *f.Latitude, f.RadiusKm*1000)
	}

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

	query := `SELECT ` + reportColumns + `
		FROM reports r
		LEFT JOIN report_evidence e ON e.report_id = r.id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY r.created_at DESC, r.id\n\t\tLIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []models.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

// VerifyReport moves a pending report to verified and appends the change to
// the status history. Only the status column is touched.
func (d *Database) VerifyReport(ctx context.Context, id, actor string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE reports SET status = ? WHERE id = ? AND status = ?`,
		string(models.StatusVerified), id, string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReportNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read report status: %w", err)
		}
		return fmt.Errorf("%w: report %s is %s", ErrInvalidTransition, id, status)
	}

	result, err = tx.ExecContext(ctx, `INSERT
	  INTO report_status_history (report_id, from_status, to_status, actor, changed_at)
	  VALUES (?, ?, ?, ?, ?)`,
		id, string(models.StatusPending), string(models.StatusVerified), actor, d.now())
	common.LogResult("verifyReportHistory", result, err, true)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit verification: %w", err)
	}
	log.WithFields(log.Fields{"report_id": id, "actor": actor}).Info("Report verified")
	return nil
}

// GetStatusHistory returns the lifecycle history of a report, oldest first
func (d *Database) GetStatusHistory(ctx context.Context, id string) ([]models.StatusChange, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, report_id, from_status, to_status, actor, changed_at
		FROM report_status_history
		WHERE report_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	history := []models.StatusChange{}
	for rows.Next() {
		var (
			c    models.StatusChange
			from sql.NullString
			to   string
		)
		if err := rows.Scan(&c.ID, &c.ReportID, &from, &to, &c.Actor, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		if from.Valid {
			s := models.ReportStatus(from.String)
			c.FromStatus = &s
		}
		c.ToStatus = models.ReportStatus(to)
		history = append(history, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}
	return history, nil
}
