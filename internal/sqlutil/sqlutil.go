package sqlutil

import (
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Open opens the SQLite sync database. WAL mode keeps concurrent
// readers from blocking the single writer; the busy timeout covers the
// writer lock handover.
func Open(connectionString string, maxOpenConns int) (*sql.DB, error) {
	uri := connectionString
	if !strings.HasPrefix(uri, "file:") && uri != ":memory:" {
		uri = "file:" + uri
	}
	if uri != ":memory:" && !strings.Contains(uri, "?") {
		uri += "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, errors.Wrap(err, "sqlutil: failed to open database")
	}
	if maxOpenConns <= 0 {
		maxOpenConns = runtime.NumCPU() * 2
	}
	db.SetMaxOpenConns(maxOpenConns)
	return db, nil
}

// StatementList pairs destination statement pointers with their SQL so
// a table struct can prepare everything in one call.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list, failing on the first
// error.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
		}
	}
	return
}

// TxStmt wraps a prepared statement in a transaction if one is given.
func TxStmt(txn *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if txn != nil {
		statement = txn.Stmt(statement)
	}
	return statement
}

// WithTransaction runs fn inside a transaction, committing on success
// and rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlutil: failed to begin transaction")
	}
	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback() // nolint: errcheck
			panic(r)
		}
		if succeeded {
			err = errors.Wrap(txn.Commit(), "sqlutil: failed to commit transaction")
		} else {
			txn.Rollback() // nolint: errcheck
		}
	}()

	if err = fn(txn); err != nil {
		return
	}
	succeeded = true
	return
}

// EndTransaction commits if the caller marked success, otherwise rolls
// back. Intended for use in a defer alongside a named success flag.
func EndTransaction(txn *sql.Tx, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}
