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

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	event_id TEXT NOT NULL,
	position TEXT NOT NULL,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_memberships_user_idx
	ON syncapi_memberships (user_id, membership);
`

const upsertMembershipSQL = `INSERT INTO syncapi_memberships
	(room_id, user_id, membership, event_id, position)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (room_id, user_id)
	DO UPDATE SET membership = $3, event_id = $4, position = $5`

const selectRoomIDsWithMembershipSQL = `SELECT room_id FROM syncapi_memberships
	WHERE user_id = $1 AND membership = $2`

const selectMembershipCountsSQL = `SELECT room_id,
	COUNT(CASE WHEN membership = 'join' THEN 1 END),
	COUNT(CASE WHEN membership = 'invite' THEN 1 END)
	FROM syncapi_memberships WHERE room_id IN ($1) GROUP BY room_id`

// Hero selection is stable: the first members to join a room name it.
const selectHeroesSQL = `SELECT room_id, user_id FROM syncapi_memberships
	WHERE room_id IN ($1) AND user_id <> $2 AND membership IN ('join', 'invite')
	ORDER BY room_id, position ASC`

const selectJoinedUsersSQL = `SELECT user_id FROM syncapi_memberships
	WHERE room_id = $1 AND membership = 'join'`

const selectSharedUsersSQL = `SELECT DISTINCT m2.user_id FROM syncapi_memberships AS m1
	JOIN syncapi_memberships AS m2 ON m1.room_id = m2.room_id
	WHERE m1.user_id = $1 AND m1.membership = 'join'
		AND m2.membership = 'join' AND m2.user_id <> $1`

const selectMembershipChangesAfterSQL = `SELECT m.room_id, m.membership,
	e.position, e.event_id, e.sender, e.type, e.state_key, e.content, e.unsigned, e.origin_server_ts, e.redacted_because
	FROM syncapi_memberships AS m
	JOIN syncapi_output_room_events AS e ON e.event_id = m.event_id
	WHERE m.user_id = $1 AND m.position > $2`

type membershipsStatements struct {
	db                     *sql.DB
	upsertMembershipStmt   *sql.Stmt
	selectRoomIDsStmt      *sql.Stmt
	selectJoinedUsersStmt  *sql.Stmt
	selectSharedUsersStmt  *sql.Stmt
	selectChangesAfterStmt *sql.Stmt
	// variadic selects prepared per query
}

func NewSqliteMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	if _, err := db.Exec(membershipsSchema); err != nil {
		return nil, err
	}
	s := &membershipsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectRoomIDsStmt, selectRoomIDsWithMembershipSQL},
		{&s.selectJoinedUsersStmt, selectJoinedUsersSQL},
		{&s.selectSharedUsersStmt, selectSharedUsersSQL},
		{&s.selectChangesAfterStmt, selectMembershipChangesAfterSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, roomID, userID, membership, eventID string, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(ctx, roomID, userID, membership, eventID, pos)
	return err
}

func (s *membershipsStatements) SelectRoomIDsWithMembership(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsStmt).QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDsWithMembership: rows.close() failed")
	return scanStrings(rows)
}

func (s *membershipsStatements) SelectMembershipCounts(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string]types.MemberCounts, error) {
	result := make(map[string]types.MemberCounts, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, len(roomIDs))
	for i := range roomIDs {
		params[i] = roomIDs[i]
	}
	query := strings.Replace(selectMembershipCountsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectMembershipCounts: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembershipCounts: rows.close() failed")
	var roomID string
	var counts types.MemberCounts
	for rows.Next() {
		if err = rows.Scan(&roomID, &counts.Joined, &counts.Invited); err != nil {
			return nil, err
		}
		result[roomID] = counts
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectHeroes(ctx context.Context, txn *sql.Tx, roomIDs []string, excludeUserID string, limit int) (map[string][]string, error) {
	result := make(map[string][]string, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	params := make([]interface{}, 0, len(roomIDs)+1)
	for i := range roomIDs {
		params = append(params, roomIDs[i])
	}
	params = append(params, excludeUserID)
	query := strings.Replace(selectHeroesSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	query = strings.Replace(query, "$2", "$"+strconv.Itoa(len(roomIDs)+1), 1)
	prep, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "SelectHeroes: prep.close() failed")
	rows, err := sqlutil.TxStmt(txn, prep).QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectHeroes: rows.close() failed")
	var roomID, userID string
	for rows.Next() {
		if err = rows.Scan(&roomID, &userID); err != nil {
			return nil, err
		}
		if len(result[roomID]) < limit {
			result[roomID] = append(result[roomID], userID)
		}
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedUsersStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectJoinedUsers: rows.close() failed")
	return scanStrings(rows)
}

func (s *membershipsStatements) SelectSharedUsers(ctx context.Context, txn *sql.Tx, userID string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSharedUsersStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSharedUsers: rows.close() failed")
	return scanStrings(rows)
}

func (s *membershipsStatements) SelectMembershipChangesAfter(ctx context.Context, txn *sql.Tx, userID string, from types.StreamPosition) ([]types.MembershipChange, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectChangesAfterStmt).QueryContext(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembershipChangesAfter: rows.close() failed")
	var changes []types.MembershipChange
	for rows.Next() {
		var c types.MembershipChange
		var position, content string
		var unsigned sql.NullString
		if err = rows.Scan(&c.RoomID, &c.Membership,
			&position, &c.Event.EventID, &c.Event.Sender, &c.Event.Type, &c.Event.StateKey,
			&content, &unsigned, &c.Event.OriginServerTS, &c.Event.RedactedBecause); err != nil {
			return nil, err
		}
		c.Event.RoomID = c.RoomID
		c.Event.Position = types.StreamPosition(position)
		c.Event.Content = []byte(content)
		if unsigned.Valid {
			c.Event.Unsigned = []byte(unsigned.String)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var result []string
	var s string
	for rows.Next() {
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
