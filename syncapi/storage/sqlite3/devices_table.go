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
	userapi "github.com/element-hq/axon/userapi/api"
)

// last_sync_position is NULL until the first returned sync after the
// device becomes trusted. A trusted device with a NULL position is
// exactly the trust-transition case.
const devicesSchema = `
CREATE TABLE IF NOT EXISTS syncapi_devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	access_token TEXT NOT NULL UNIQUE,
	trust_state TEXT NOT NULL DEFAULT 'unverified',
	last_delivered_id BIGINT NOT NULL DEFAULT 0,
	last_sync_position TEXT,
	otk_counts TEXT NOT NULL DEFAULT '{}',
	fallback_types TEXT NOT NULL DEFAULT '[]',
	UNIQUE (user_id, device_id)
);
`

const upsertDeviceSQL = `INSERT INTO syncapi_devices
	(user_id, device_id, access_token, trust_state)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, device_id) DO UPDATE SET access_token = $3`

const selectDeviceByAccessTokenSQL = `SELECT user_id, device_id, trust_state, last_delivered_id, last_sync_position, otk_counts, fallback_types
	FROM syncapi_devices WHERE access_token = $1`

const updateDeviceTrustSQL = `UPDATE syncapi_devices
	SET trust_state = $1 WHERE user_id = $2 AND device_id = $3`

const updateDeviceKeyCountsSQL = `UPDATE syncapi_devices
	SET otk_counts = $1, fallback_types = $2 WHERE user_id = $3 AND device_id = $4`

const updateDeviceLastSyncPositionSQL = `UPDATE syncapi_devices
	SET last_sync_position = $1 WHERE user_id = $2 AND device_id = $3`

const updateDeviceLastDeliveredIDSQL = `UPDATE syncapi_devices
	SET last_delivered_id = $1 WHERE user_id = $2 AND device_id = $3`

const selectLastDeliveredIDSQL = `SELECT last_delivered_id FROM syncapi_devices
	WHERE user_id = $1 AND device_id = $2`

// Only the cursor is cleared. last_delivered_id must survive so
// messages the device already received are not delivered again.
const clearDeviceSyncStateSQL = `UPDATE syncapi_devices
	SET last_sync_position = NULL
	WHERE user_id = $1 AND device_id = $2`

type devicesStatements struct {
	db                         *sql.DB
	upsertDeviceStmt           *sql.Stmt
	selectByAccessTokenStmt    *sql.Stmt
	updateTrustStmt            *sql.Stmt
	updateKeyCountsStmt        *sql.Stmt
	updateLastSyncPositionStmt *sql.Stmt
	updateLastDeliveredIDStmt  *sql.Stmt
	selectLastDeliveredIDStmt  *sql.Stmt
	clearSyncStateStmt         *sql.Stmt
}

func NewSqliteDevicesTable(db *sql.DB) (tables.Devices, error) {
	if _, err := db.Exec(devicesSchema); err != nil {
		return nil, err
	}
	s := &devicesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertDeviceStmt, upsertDeviceSQL},
		{&s.selectByAccessTokenStmt, selectDeviceByAccessTokenSQL},
		{&s.updateTrustStmt, updateDeviceTrustSQL},
		{&s.updateKeyCountsStmt, updateDeviceKeyCountsSQL},
		{&s.updateLastSyncPositionStmt, updateDeviceLastSyncPositionSQL},
		{&s.updateLastDeliveredIDStmt, updateDeviceLastDeliveredIDSQL},
		{&s.selectLastDeliveredIDStmt, selectLastDeliveredIDSQL},
		{&s.clearSyncStateStmt, clearDeviceSyncStateSQL},
	}.Prepare(db)
}

func (s *devicesStatements) UpsertDevice(ctx context.Context, txn *sql.Tx, device *userapi.Device) error {
	_, err := sqlutil.TxStmt(txn, s.upsertDeviceStmt).ExecContext(ctx,
		device.UserID, device.ID, device.AccessToken, device.TrustState,
	)
	return err
}

func (s *devicesStatements) SelectDeviceByAccessToken(ctx context.Context, txn *sql.Tx, token string) (*userapi.Device, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectByAccessTokenStmt).QueryContext(ctx, token)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDeviceByAccessToken: rows.close() failed")
	if !rows.Next() {
		return nil, rows.Err()
	}
	device := &userapi.Device{AccessToken: token}
	var lastSyncPosition sql.NullString
	var otkCounts, fallbackTypes string
	if err = rows.Scan(&device.UserID, &device.ID, &device.TrustState,
		&device.LastDeliveredID, &lastSyncPosition, &otkCounts, &fallbackTypes); err != nil {
		return nil, err
	}
	if lastSyncPosition.Valid {
		device.LastSyncPosition = lastSyncPosition.String
	}
	if err = json.Unmarshal([]byte(otkCounts), &device.OneTimeKeyCounts); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(fallbackTypes), &device.UnusedFallbackKeyTypes); err != nil {
		return nil, err
	}
	return device, rows.Err()
}

func (s *devicesStatements) UpdateTrustState(ctx context.Context, txn *sql.Tx, userID, deviceID string, trust userapi.TrustState) error {
	_, err := sqlutil.TxStmt(txn, s.updateTrustStmt).ExecContext(ctx, trust, userID, deviceID)
	return err
}

func (s *devicesStatements) UpdateKeyCounts(ctx context.Context, txn *sql.Tx, userID, deviceID string, otkCounts map[string]int, fallbackTypes []string) error {
	counts, err := json.Marshal(otkCounts)
	if err != nil {
		return err
	}
	if fallbackTypes == nil {
		fallbackTypes = []string{}
	}
	fallback, err := json.Marshal(fallbackTypes)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateKeyCountsStmt).ExecContext(ctx, string(counts), string(fallback), userID, deviceID)
	return err
}

func (s *devicesStatements) UpdateLastSyncPosition(ctx context.Context, txn *sql.Tx, userID, deviceID string, pos types.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.updateLastSyncPositionStmt).ExecContext(ctx, pos, userID, deviceID)
	return err
}

func (s *devicesStatements) UpdateLastDeliveredID(ctx context.Context, txn *sql.Tx, userID, deviceID string, id int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateLastDeliveredIDStmt).ExecContext(ctx, id, userID, deviceID)
	return err
}

func (s *devicesStatements) SelectLastDeliveredID(ctx context.Context, txn *sql.Tx, userID, deviceID string) (int64, error) {
	var id int64
	err := sqlutil.TxStmt(txn, s.selectLastDeliveredIDStmt).QueryRowContext(ctx, userID, deviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (s *devicesStatements) ClearSyncState(ctx context.Context, txn *sql.Tx, userID, deviceID string) error {
	_, err := sqlutil.TxStmt(txn, s.clearSyncStateStmt).ExecContext(ctx, userID, deviceID)
	return err
}
