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

const outputRoomEventsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
	position TEXT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT,
	content TEXT NOT NULL,
	unsigned TEXT,
	origin_server_ts BIGINT NOT NULL,
	redacted_because TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_idx
	ON syncapi_output_room_events (room_id, position);
`

const insertEventSQL = `INSERT INTO syncapi_output_room_events
	(position, event_id, room_id, sender, type, state_key, content, unsigned, origin_server_ts, redacted_because)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (event_id) DO NOTHING`

const selectRecentEventsSQL = `SELECT position, event_id, room_id, sender, type, state_key, content, unsigned, origin_server_ts, redacted_because
	FROM syncapi_output_room_events WHERE room_id = $1
	ORDER BY position DESC LIMIT $2`

// The window anchors at the newest end of the range: when more events
// landed than the window holds, the oldest ones are reachable through
// prev_batch rather than lost beyond next_batch.
const selectEventsAfterSQL = `SELECT position, event_id, room_id, sender, type, state_key, content, unsigned, origin_server_ts, redacted_because
	FROM syncapi_output_room_events WHERE room_id = $1 AND position > $2
	ORDER BY position DESC LIMIT $3`

const selectMaxEventPositionSQL = `SELECT COALESCE(MAX(position), '') FROM syncapi_output_room_events`

const selectMaxPositionsForRoomsSQL = `SELECT room_id, MAX(position) FROM syncapi_output_room_events
	WHERE room_id IN ($1) GROUP BY room_id`

const selectRoomsWithEventsAfterSQL = `SELECT DISTINCT room_id FROM syncapi_output_room_events
	WHERE room_id IN ($1) AND position > $2`

// The read receipt marks the position of the last event the user saw;
// everything in the room after it counts as unread. Highlights are
// approximated by the user's ID appearing in the event content.
const selectUnreadCountsSQL = `SELECT e.room_id,
	COUNT(*),
	COUNT(CASE WHEN instr(e.content, $1) > 0 THEN 1 END)
	FROM syncapi_output_room_events AS e
	LEFT JOIN syncapi_receipts AS r
		ON r.room_id = e.room_id AND r.user_id = $2 AND r.receipt_type = 'm.read'
	LEFT JOIN syncapi_output_room_events AS re
		ON re.event_id = r.event_id
	WHERE e.room_id IN ($3)
		AND e.state_key IS NULL
		AND e.sender <> $4
		AND e.position > COALESCE(re.position, '')
	GROUP BY e.room_id`

const updateEventRedactionSQL = `UPDATE syncapi_output_room_events
	SET content = '{}', redacted_because = $1 WHERE event_id = $2`

type outputRoomEventsStatements struct {
	db                     *sql.DB
	insertEventStmt        *sql.Stmt
	selectRecentEventsStmt *sql.Stmt
	selectEventsAfterStmt  *sql.Stmt
	selectMaxPositionStmt  *sql.Stmt
	updateRedactionStmt    *sql.Stmt
	// variadic selects prepared per query
}

func NewSqliteEventsTable(db *sql.DB) (tables.Events, error) {
	if _, err := db.Exec(outputRoomEventsSchema); err != nil {
		return nil, err
	}
	s := &outputRoomEventsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectRecentEventsStmt, selectRecentEventsSQL},
		{&s.selectEventsAfterStmt, selectEventsAfterSQL},
		{&s.selectMaxPositionStmt, selectMaxEventPositionSQL},
		{&s.updateRedactionStmt, updateEventRedactionSQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(ctx context.Context, txn *sql.Tx, ev *types.Event) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(ctx,
		ev.Position, ev.EventID, ev.RoomID, ev.Sender, ev.Type, ev.StateKey,
		string(ev.Content), nullableJSON(ev.Unsigned), ev.OriginServerTS, ev.RedactedBecause,
	)
	return err
}

func (s *outputRoomEventsStatements) SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomID string, limit int) ([]types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRecentEventsStmt).QueryContext(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRecentEvents: rows.close() failed")
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// The query walks backwards from the end of the room; flip to the
	// chronological order responses use.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *outputRoomEventsStatements) SelectEventsAfter(ctx context.Context, txn *sql.Tx, roomID string, from types.StreamPosition, limit int) ([]types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsAfterStmt).QueryContext(ctx, roomID, from, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventsAfter: rows.close() failed")
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *outputRoomEventsStatements) SelectMaxPosition(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	var pos string
	err := sqlutil.TxStmt(txn, s.selectMaxPositionStmt).QueryRowContext(ctx).Scan(&pos)
	return types.StreamPosition(pos), err
}

func (s *outputRoomEventsStatements) SelectMaxPositionsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string]types.StreamPosition, error) {
	result := make(map[string]types.StreamPosition, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, len(roomIDs))
	for i := range roomIDs {
		params[i] = roomIDs[i]
	}
	query := strings.Replace(selectMaxPositionsForRoomsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectMaxPositionsForRooms: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMaxPositionsForRooms: rows.close() failed")
	var roomID, pos string
	for rows.Next() {
		if err = rows.Scan(&roomID, &pos); err != nil {
			return nil, err
		}
		result[roomID] = types.StreamPosition(pos)
	}
	return result, rows.Err()
}

func (s *outputRoomEventsStatements) SelectRoomsWithEventsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, from types.StreamPosition) (map[string]struct{}, error) {
	result := make(map[string]struct{}, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(roomIDs)+1)
	for i := range roomIDs {
		params = append(params, roomIDs[i])
	}
	params = append(params, from)
	query := strings.Replace(selectRoomsWithEventsAfterSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	query = strings.Replace(query, "$2", "$"+strconv.Itoa(len(roomIDs)+1), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectRoomsWithEventsAfter: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomsWithEventsAfter: rows.close() failed")
	var roomID string
	for rows.Next() {
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		result[roomID] = struct{}{}
	}
	return result, rows.Err()
}

func (s *outputRoomEventsStatements) SelectUnreadCounts(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]types.UnreadNotifications, error) {
	result := make(map[string]types.UnreadNotifications, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(roomIDs)+3)
	params = append(params, userID, userID)
	for i := range roomIDs {
		params = append(params, roomIDs[i])
	}
	params = append(params, userID)
	query := strings.Replace(selectUnreadCountsSQL, "($3)", sqlutil.QueryVariadicOffset(len(roomIDs), 2), 1)
	query = strings.Replace(query, "$4", "$"+strconv.Itoa(len(roomIDs)+3), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectUnreadCounts: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUnreadCounts: rows.close() failed")
	var roomID string
	var notifications, highlights int
	for rows.Next() {
		if err = rows.Scan(&roomID, &notifications, &highlights); err != nil {
			return nil, err
		}
		result[roomID] = types.UnreadNotifications{
			NotificationCount: notifications,
			HighlightCount:    highlights,
		}
	}
	return result, rows.Err()
}

func (s *outputRoomEventsStatements) UpdateEventRedaction(ctx context.Context, txn *sql.Tx, redactedEventID string, redactionJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.updateRedactionStmt).ExecContext(ctx, string(redactionJSON), redactedEventID)
	return err
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var position, content string
		var unsigned sql.NullString
		if err := rows.Scan(&position, &ev.EventID, &ev.RoomID, &ev.Sender, &ev.Type, &ev.StateKey,
			&content, &unsigned, &ev.OriginServerTS, &ev.RedactedBecause); err != nil {
			return nil, err
		}
		ev.Position = types.StreamPosition(position)
		ev.Content = []byte(content)
		if unsigned.Valid {
			ev.Unsigned = []byte(unsigned.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
