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

const receiptsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	position TEXT NOT NULL,
	UNIQUE (room_id, receipt_type, user_id)
);
`

const upsertReceiptSQL = `INSERT INTO syncapi_receipts
	(room_id, receipt_type, user_id, event_id, receipt_ts, position)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (room_id, receipt_type, user_id)
	DO UPDATE SET event_id = $4, receipt_ts = $5, position = $6`

const selectReceiptsForRoomsSQL = `SELECT room_id, receipt_type, user_id, event_id, receipt_ts, position
	FROM syncapi_receipts WHERE room_id IN ($1) AND position > $2`

type receiptsStatements struct {
	db         *sql.DB
	upsertStmt *sql.Stmt
	// room-scoped select prepared per query
}

func NewSqliteReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	if _, err := db.Exec(receiptsSchema); err != nil {
		return nil, err
	}
	s := &receiptsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStmt, upsertReceiptSQL},
	}.Prepare(db)
}

func (s *receiptsStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, receipt *types.Receipt) error {
	_, err := sqlutil.TxStmt(txn, s.upsertStmt).ExecContext(ctx,
		receipt.RoomID, receipt.Type, receipt.UserID, receipt.EventID, receipt.Timestamp, receipt.Position,
	)
	return err
}

func (s *receiptsStatements) SelectReceiptsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string, from types.StreamPosition) (map[string][]types.Receipt, error) {
	result := make(map[string][]types.Receipt, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(roomIDs)+1)
	for i := range roomIDs {
		params = append(params, roomIDs[i])
	}
	params = append(params, from)
	query := strings.Replace(selectReceiptsForRoomsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	query = strings.Replace(query, "$2", "$"+strconv.Itoa(len(roomIDs)+1), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectReceiptsForRooms: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectReceiptsForRooms: rows.close() failed")
	for rows.Next() {
		var r types.Receipt
		var position string
		if err = rows.Scan(&r.RoomID, &r.Type, &r.UserID, &r.EventID, &r.Timestamp, &position); err != nil {
			return nil, err
		}
		r.Position = types.StreamPosition(position)
		result[r.RoomID] = append(result[r.RoomID], r)
	}
	return result, rows.Err()
}
