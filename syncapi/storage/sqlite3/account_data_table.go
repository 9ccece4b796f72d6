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

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_account_data (
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	position TEXT NOT NULL,
	UNIQUE (user_id, room_id, type)
);
`

const upsertAccountDataSQL = `INSERT INTO syncapi_account_data
	(user_id, room_id, type, content, position)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id, room_id, type)
	DO UPDATE SET content = $4, position = $5`

const selectGlobalAccountDataSQL = `SELECT type, content, position
	FROM syncapi_account_data
	WHERE user_id = $1 AND room_id = '' AND position > $2
	ORDER BY position ASC`

const selectRoomAccountDataSQL = `SELECT room_id, type, content, position
	FROM syncapi_account_data
	WHERE user_id = $1 AND room_id IN ($2) AND position > $3
	ORDER BY position ASC`

type accountDataStatements struct {
	db               *sql.DB
	upsertStmt       *sql.Stmt
	selectGlobalStmt *sql.Stmt
	// room-scoped select prepared per query
}

func NewSqliteAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	if _, err := db.Exec(accountDataSchema); err != nil {
		return nil, err
	}
	s := &accountDataStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertAccountDataSQL},
		{&s.selectGlobalStmt, selectGlobalAccountDataSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string, content []byte, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx, userID, roomID, dataType, string(content), pos)
	return err
}

func (s *accountDataStatements) SelectGlobalAccountData(ctx context.Context, txn *sql.Tx, userID string, from types.StreamPosition) ([]types.AccountDataEntry, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectGlobalStmt).QueryContext(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectGlobalAccountData: rows.close() failed")
	var entries []types.AccountDataEntry
	for rows.Next() {
		entry := types.AccountDataEntry{UserID: userID}
		var content, position string
		if err = rows.Scan(&entry.Type, &content, &position); err != nil {
			return nil, err
		}
		entry.Content = []byte(content)
		entry.Position = types.StreamPosition(position)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *accountDataStatements) SelectRoomAccountData(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string, from types.StreamPosition) (map[string][]types.AccountDataEntry, error) {
	result := make(map[string][]types.AccountDataEntry, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(roomIDs)+2)
	params = append(params, userID)
	for i := range roomIDs {
		params = append(params, roomIDs[i])
	}
	params = append(params, from)
	query := strings.Replace(selectRoomAccountDataSQL, "($2)", sqlutil.QueryVariadicOffset(len(roomIDs), 1), 1)
	query = strings.Replace(query, "$3", "$"+strconv.Itoa(len(roomIDs)+2), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectRoomAccountData: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomAccountData: rows.close() failed")
	for rows.Next() {
		entry := types.AccountDataEntry{UserID: userID}
		var content, position string
		if err = rows.Scan(&entry.RoomID, &entry.Type, &content, &position); err != nil {
			return nil, err
		}
		entry.Content = []byte(content)
		entry.Position = types.StreamPosition(position)
		result[entry.RoomID] = append(result[entry.RoomID], entry)
	}
	return result, rows.Err()
}
