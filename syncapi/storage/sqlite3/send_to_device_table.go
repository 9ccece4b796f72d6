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

// Delivery ids are a plain autoincrement so per-device FIFO order is
// the insert order and "everything at or below the watermark" is a
// single range delete.
const sendToDeviceSchema = `
CREATE TABLE IF NOT EXISTS syncapi_send_to_device (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_send_to_device_user_idx
	ON syncapi_send_to_device (user_id, device_id, id);
`

const insertSendToDeviceMessageSQL = `INSERT INTO syncapi_send_to_device
	(user_id, device_id, sender, type, content) VALUES ($1, $2, $3, $4, $5)`

const deleteSendToDeviceMessagesUpToSQL = `DELETE FROM syncapi_send_to_device
	WHERE user_id = $1 AND device_id = $2 AND id <= $3`

const selectSendToDeviceMessagesAfterSQL = `SELECT id, sender, type, content
	FROM syncapi_send_to_device
	WHERE user_id = $1 AND device_id = $2 AND id > $3
	ORDER BY id ASC`

type sendToDeviceStatements struct {
	db              *sql.DB
	insertStmt      *sql.Stmt
	deleteUpToStmt  *sql.Stmt
	selectAfterStmt *sql.Stmt
}

func NewSqliteSendToDeviceTable(db *sql.DB) (tables.SendToDevice, error) {
	if _, err := db.Exec(sendToDeviceSchema); err != nil {
		return nil, err
	}
	s := &sendToDeviceStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertSendToDeviceMessageSQL},
		{&s.deleteUpToStmt, deleteSendToDeviceMessagesUpToSQL},
		{&s.selectAfterStmt, selectSendToDeviceMessagesAfterSQL},
	}.Prepare(db)
}

func (s *sendToDeviceStatements) InsertMessage(ctx context.Context, txn *sql.Tx, msg *types.ToDeviceMessage) error {
	_, err := sqlutil.TxStmt(txn, s.insertStmt).ExecContext(ctx,
		msg.UserID, msg.DeviceID, msg.Sender, msg.Type, string(msg.Content),
	)
	return err
}

func (s *sendToDeviceStatements) DeleteMessagesUpTo(ctx context.Context, txn *sql.Tx, userID, deviceID string, id int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteUpToStmt).ExecContext(ctx, userID, deviceID, id)
	return err
}

func (s *sendToDeviceStatements) SelectMessagesAfter(ctx context.Context, txn *sql.Tx, userID, deviceID string, after int64) ([]types.ToDeviceMessage, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAfterStmt).QueryContext(ctx, userID, deviceID, after)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMessagesAfter: rows.close() failed")
	var messages []types.ToDeviceMessage
	for rows.Next() {
		msg := types.ToDeviceMessage{UserID: userID, DeviceID: deviceID}
		var content string
		if err = rows.Scan(&msg.ID, &msg.Sender, &msg.Type, &content); err != nil {
			return nil, err
		}
		msg.Content = []byte(content)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
