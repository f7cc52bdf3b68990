package common

import (
	"database/sql"

	"github.com/apex/log"
)

// LogResult logs a failed statement, or warns when a statement that should
// touch exactly one row touched some other number.
func LogResult(msgPrefix string, r sql.Result, e error, e1 bool) {
	if e != nil {
		log.Errorf("%s: query failed: %v", msgPrefix, e)
		return
	}
	rows, err := r.RowsAffected()
	if err != nil {
		log.Errorf("%s: failed to get status of db op: %v", msgPrefix, err)
		return
	}
	if e1 && rows != 1 {
		log.Warnf("%s: Expected to affect 1 row, affected %d", msgPrefix, rows)
	}
}
