package database

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

var tableStatements = []struct {
	name string
	ddl  string
}{
	{"reports", `
		CREATE TABLE IF NOT EXISTS reports (
			id CHAR(36) NOT NULL,
			submitter_id VARCHAR(255) NOT NULL,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			description TEXT NOT NULL,
			severity TINYINT NOT NULL,
			label VARCHAR(255) NULL,
			confidence DOUBLE NOT NULL DEFAULT 0,
			status ENUM('pending', 'verified') NOT NULL DEFAULT 'pending',
			anchor_failed BOOL NOT NULL DEFAULT FALSE,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id),
			INDEX idx_reports_created_at (created_at),
			INDEX idx_reports_status (status, created_at),
			INDEX idx_reports_location (latitude, longitude),
			INDEX idx_reports_anchor_failed (anchor_failed),
			CONSTRAINT chk_reports_confidence CHECK (confidence >= 0 AND confidence <= 1)
		)`},
	{"report_evidence", `
		CREATE TABLE IF NOT EXISTS report_evidence (
			report_id CHAR(36) NOT NULL,
			locator VARCHAR(1024) NOT NULL,
			PRIMARY KEY (report_id),
			CONSTRAINT fk_evidence_report FOREIGN KEY (report_id) REFERENCES reports(id)
		)`},
	{"report_status_history", `
		CREATE TABLE IF NOT EXISTS report_status_history (
			id BIGINT NOT NULL AUTO_INCREMENT,
			report_id CHAR(36) NOT NULL,
			from_status VARCHAR(16) NULL,
			to_status VARCHAR(16) NOT NULL,
			actor VARCHAR(255) NOT NULL,
			changed_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id),
			INDEX idx_history_report (report_id, id),
			CONSTRAINT fk_history_report FOREIGN KEY (report_id) REFERENCES reports(id)
		)`},
	{"ledger_anchors", `
		CREATE TABLE IF NOT EXISTS ledger_anchors (
			report_id CHAR(36) NOT NULL,
			content_hash CHAR(64) NOT NULL,
			ledger_ref VARCHAR(255) NOT NULL,
			anchored_at DATETIME(6) NOT NULL,
			PRIMARY KEY (report_id),
			INDEX idx_anchors_hash (content_hash),
			CONSTRAINT fk_anchor_report FOREIGN KEY (report_id) REFERENCES reports(id)
		)`},
	{"anchor_jobs", `
		CREATE TABLE IF NOT EXISTS anchor_jobs (
			report_id CHAR(36) NOT NULL,
			status ENUM('queued', 'running', 'done', 'failed') NOT NULL DEFAULT 'queued',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			lease_until DATETIME(6) NULL,
			last_tx VARCHAR(100) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (report_id),
			INDEX idx_anchor_jobs_status (status, updated_at),
			CONSTRAINT fk_job_report FOREIGN KEY (report_id) REFERENCES reports(id)
		)`},
}

// EnsureTables creates the service tables if they don't exist
func (d *Database) EnsureTables(ctx context.Context) error {
	for _, t := range tableStatements {
		if _, err := d.db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}
	log.Info("Database tables ensured")
	return nil
}
