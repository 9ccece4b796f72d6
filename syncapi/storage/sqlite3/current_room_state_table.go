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

const currentRoomStateSchema = `
CREATE TABLE IF NOT EXISTS syncapi_current_room_state (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	origin_server_ts BIGINT NOT NULL,
	position TEXT NOT NULL,
	UNIQUE (room_id, type, state_key)
);
`

const upsertCurrentStateSQL = `INSERT INTO syncapi_current_room_state
	(room_id, type, state_key, event_id, sender, content, origin_server_ts, position)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (room_id, type, state_key)
	DO UPDATE SET event_id = $4, sender = $5, content = $6, origin_server_ts = $7, position = $8`

const selectCurrentStateSQL = `SELECT room_id, type, state_key, event_id, sender, content, origin_server_ts, position
	FROM syncapi_current_room_state WHERE room_id = $1`

const selectStateEventSQL = `SELECT room_id, type, state_key, event_id, sender, content, origin_server_ts, position
	FROM syncapi_current_room_state WHERE room_id = $1 AND type = $2 AND state_key = $3`

type currentRoomStateStatements struct {
	db                     *sql.DB
	upsertStateStmt        *sql.Stmt
	selectCurrentStateStmt *sql.Stmt
	selectStateEventStmt   *sql.Stmt
}

func NewSqliteCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	if _, err := db.Exec(currentRoomStateSchema); err != nil {
		return nil, err
	}
	s := &currentRoomStateStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertStateStmt, upsertCurrentStateSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectStateEventStmt, selectStateEventSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertState(ctx context.Context, txn *sql.Tx, ev *types.Event) error {
	if ev.StateKey == nil {
		return nil
	}
	_, err := sqlutil.TxStmt(txn, s.upsertStateStmt).ExecContext(ctx,
		ev.RoomID, ev.Type, *ev.StateKey, ev.EventID, ev.Sender, string(ev.Content), ev.OriginServerTS, ev.Position,
	)
	return err
}

func (s *currentRoomStateStatements) SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string, excludeEventIDs map[string]struct{}) ([]types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentStateStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")
	var events []types.Event
	for rows.Next() {
		ev, err := scanStateEvent(rows)
		if err != nil {
			return nil, err
		}
		if _, exclude := excludeEventIDs[ev.EventID]; exclude {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *currentRoomStateStatements) SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (*types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStateEventStmt).QueryContext(ctx, roomID, evType, stateKey)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateEvent: rows.close() failed")
	if !rows.Next() {
		return nil, rows.Err()
	}
	ev, err := scanStateEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, rows.Err()
}

func scanStateEvent(rows *sql.Rows) (types.Event, error) {
	var ev types.Event
	var stateKey, content, position string
	err := rows.Scan(&ev.RoomID, &ev.Type, &stateKey, &ev.EventID, &ev.Sender, &content, &ev.OriginServerTS, &position)
	if err != nil {
		return ev, err
	}
	ev.StateKey = &stateKey
	ev.Content = []byte(content)
	ev.Position = types.StreamPosition(position)
	return ev, nil
}
