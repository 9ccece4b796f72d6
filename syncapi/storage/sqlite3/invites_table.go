// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/sqlutil"
	"github.com/element-hq/axon/syncapi/storage/tables"
	"github.com/element-hq/axon/syncapi/types"
)

const invitesSchema = `
CREATE TABLE IF NOT EXISTS syncapi_invite_events (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_json TEXT NOT NULL,
	position TEXT NOT NULL,
	retired BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_invite_events_user_idx
	ON syncapi_invite_events (user_id, position);
`

const insertInviteSQL = `INSERT INTO syncapi_invite_events
	(room_id, user_id, event_json, position, retired)
	VALUES ($1, $2, $3, $4, 0)
	ON CONFLICT (room_id, user_id)
	DO UPDATE SET event_json = $3, position = $4, retired = 0`

// A retired invite keeps its row so an incremental sync straddling the
// membership change can report the invite as gone.
const retireInviteSQL = `UPDATE syncapi_invite_events
	SET retired = 1, position = $1 WHERE room_id = $2 AND user_id = $3`

const selectInvitesInRangeSQL = `SELECT room_id, event_json, position, retired
	FROM syncapi_invite_events
	WHERE user_id = $1 AND position > $2 AND ($3 = '' OR position <= $3)
	ORDER BY position ASC`

type invitesStatements struct {
	db                       *sql.DB
	insertInviteStmt         *sql.Stmt
	retireInviteStmt         *sql.Stmt
	selectInvitesInRangeStmt *sql.Stmt
}

func NewSqliteInvitesTable(db *sql.DB) (tables.Invites, error) {
	if _, err := db.Exec(invitesSchema); err != nil {
		return nil, err
	}
	s := &invitesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertInviteStmt, insertInviteSQL},
		{&s.retireInviteStmt, retireInviteSQL},
		{&s.selectInvitesInRangeStmt, selectInvitesInRangeSQL},
	}.Prepare(db)
}

func (s *invitesStatements) InsertInvite(ctx context.Context, txn *sql.Tx, invite *types.InviteEvent) error {
	eventJSON, err := json.Marshal(invite.Event)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertInviteStmt).ExecContext(ctx,
		invite.RoomID, invite.UserID, string(eventJSON), invite.Position,
	)
	return err
}

func (s *invitesStatements) RetireInvite(ctx context.Context, txn *sql.Tx, roomID, userID string, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.retireInviteStmt).ExecContext(ctx, pos, roomID, userID)
	return err
}

func (s *invitesStatements) SelectInvitesInRange(ctx context.Context, txn *sql.Tx, userID string, from, to types.StreamPosition) ([]types.InviteEvent, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectInvitesInRangeStmt).QueryContext(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectInvitesInRange: rows.close() failed")
	var invites []types.InviteEvent
	for rows.Next() {
		invite := types.InviteEvent{UserID: userID}
		var eventJSON, position string
		if err = rows.Scan(&invite.RoomID, &eventJSON, &position, &invite.Retired); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(eventJSON), &invite.Event); err != nil {
			return nil, err
		}
		invite.Position = types.StreamPosition(position)
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}
