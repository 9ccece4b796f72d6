// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/sqlutil"
	"github.com/element-hq/axon/syncapi/storage/tables"
	"github.com/element-hq/axon/syncapi/types"
)

// One row per user holding the position of their latest device list
// change. Only the latest change matters: a client told that a user
// changed refetches all their keys anyway.
const keyChangesSchema = `
CREATE TABLE IF NOT EXISTS syncapi_key_changes (
	user_id TEXT PRIMARY KEY,
	position TEXT NOT NULL
);
`

const upsertKeyChangeSQL = `INSERT INTO syncapi_key_changes (user_id, position)
	VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE SET position = $2`

const selectKeyChangesInRangeSQL = `SELECT user_id FROM syncapi_key_changes
	WHERE position > $1 AND ($2 = '' OR position <= $2)`

type keyChangesStatements struct {
	db              *sql.DB
	upsertStmt      *sql.Stmt
	selectRangeStmt *sql.Stmt
}

func NewSqliteKeyChangesTable(db *sql.DB) (tables.KeyChanges, error) {
	if _, err := db.Exec(keyChangesSchema); err != nil {
		return nil, err
	}
	s := &keyChangesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertKeyChangeSQL},
		{&s.selectRangeStmt, selectKeyChangesInRangeSQL},
	}.Prepare(db)
}

func (s *keyChangesStatements) UpsertKeyChange(ctx context.Context, txn *sql.Tx, userID string, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx, userID, pos)
	return err
}

func (s *keyChangesStatements) SelectKeyChangesInRange(ctx context.Context, txn *sql.Tx, from, to types.StreamPosition) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRangeStmt).QueryContext(ctx, from, to)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectKeyChangesInRange: rows.close() failed")
	return scanStrings(rows)
}
