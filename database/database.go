package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"aquaguardian/common"
	"aquaguardian/config"
)

var (
	ErrReportNotFound    = errors.New("report not found")
	ErrAnchorNotFound    = errors.New("ledger anchor not found")
	ErrAnchorExists      = errors.New("ledger anchor already exists")
	ErrAnchorJobNotFound = errors.New("anchor job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const mysqlDuplicateEntry = 1062

// Database handles all database operations
type Database struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an already opened pool.
func New(db *sql.DB) *Database {
	return &Database{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NewDatabase connects to MySQL using the service configuration
func NewDatabase(ctx context.Context, cfg *config.Config) (*Database, error) {
	db, err := common.DBConnect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
