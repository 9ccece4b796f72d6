// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/sqlutil"
	"github.com/element-hq/axon/syncapi/storage/tables"
	"github.com/element-hq/axon/syncapi/types"
)

const presenceSchema = `
CREATE TABLE IF NOT EXISTS syncapi_presence (
	user_id TEXT PRIMARY KEY,
	presence TEXT NOT NULL,
	status_msg TEXT NOT NULL DEFAULT '',
	last_active_ts BIGINT NOT NULL DEFAULT 0,
	position TEXT NOT NULL
);
`

const upsertPresenceSQL = `INSERT INTO syncapi_presence
	(user_id, presence, status_msg, last_active_ts, position)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id)
	DO UPDATE SET presence = $2, status_msg = $3, last_active_ts = $4, position = $5`

const selectPresenceForUsersSQL = `SELECT user_id, presence, status_msg, last_active_ts, position
	FROM syncapi_presence WHERE user_id IN ($1)`

const selectPresenceAfterSQL = `SELECT user_id, presence, status_msg, last_active_ts, position
	FROM syncapi_presence WHERE user_id IN ($1) AND position > $2`

type presenceStatements struct {
	db         *sql.DB
	upsertStmt *sql.Stmt
	// user-scoped selects prepared per query
}

func NewSqlitePresenceTable(db *sql.DB) (tables.Presence, error) {
	if _, err := db.Exec(presenceSchema); err != nil {
		return nil, err
	}
	s := &presenceStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertPresenceSQL},
	}.Prepare(db)
}

func (s *presenceStatements) UpsertPresence(ctx context.Context, txn *sql.Tx, presence *types.PresenceStatus, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx,
		presence.UserID, presence.Presence, presence.StatusMsg, presence.LastActiveTS, pos,
	)
	return err
}

func (s *presenceStatements) SelectPresenceForUsers(ctx context.Context, txn *sql.Tx, userIDs []string) (map[string]*types.PresenceStatus, error) {
	return s.queryPresence(ctx, txn, selectPresenceForUsersSQL, userIDs, nil)
}

func (s *presenceStatements) SelectPresenceChangesAfter(ctx context.Context, txn *sql.Tx, userIDs []string, from types.StreamPosition) (map[string]*types.PresenceStatus, error) {
	return s.queryPresence(ctx, txn, selectPresenceAfterSQL, userIDs, &from)
}

func (s *presenceStatements) queryPresence(ctx context.Context, txn *sql.Tx, baseQuery string, userIDs []string, from *types.StreamPosition) (map[string]*types.PresenceStatus, error) {
	result := make(map[string]*types.PresenceStatus, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(userIDs)+1)
	for i := range userIDs {
		params = append(params, userIDs[i])
	}
	query := strings.Replace(baseQuery, "($1)", sqlutil.QueryVariadic(len(userIDs)), 1)
	if from != nil {
		params = append(params, *from)
		query = strings.Replace(query, "$2", "$"+strconv.Itoa(len(userIDs)+1), 1)
	}
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "queryPresence: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "queryPresence: rows.close() failed")
	for rows.Next() {
		var p types.PresenceStatus
		var position string
		if err = rows.Scan(&p.UserID, &p.Presence, &p.StatusMsg, &p.LastActiveTS, &position); err != nil {
			return nil, err
		}
		p.Position = types.StreamPosition(position)
		result[p.UserID] = &p
	}
	return result, rows.Err()
}
