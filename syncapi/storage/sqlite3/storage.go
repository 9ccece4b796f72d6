// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/element-hq/axon/internal/sqlutil"
	"github.com/element-hq/axon/syncapi/storage/tables"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// SyncServerDatasource is the SQLite-backed sync store. The batch read
// methods run against the pool so the prefetcher can fan out; snapshot
// reads share one transaction for a consistent view.
type SyncServerDatasource struct {
	db           *sql.DB
	events       tables.Events
	currentState tables.CurrentRoomState
	memberships  tables.Memberships
	invites      tables.Invites
	accountData  tables.AccountData
	keyChanges   tables.KeyChanges
	sendToDevice tables.SendToDevice
	devices      tables.Devices
	receipts     tables.Receipts
	presence     tables.Presence
}

func NewDatabase(connectionString string, maxOpenConns int) (*SyncServerDatasource, error) {
	db, err := sqlutil.Open(connectionString, maxOpenConns)
	if err != nil {
		return nil, err
	}
	d := &SyncServerDatasource{db: db}
	if d.events, err = NewSqliteEventsTable(db); err != nil {
		return nil, err
	}
	if d.currentState, err = NewSqliteCurrentRoomStateTable(db); err != nil {
		return nil, err
	}
	if d.memberships, err = NewSqliteMembershipsTable(db); err != nil {
		return nil, err
	}
	if d.invites, err = NewSqliteInvitesTable(db); err != nil {
		return nil, err
	}
	if d.accountData, err = NewSqliteAccountDataTable(db); err != nil {
		return nil, err
	}
	if d.keyChanges, err = NewSqliteKeyChangesTable(db); err != nil {
		return nil, err
	}
	if d.sendToDevice, err = NewSqliteSendToDeviceTable(db); err != nil {
		return nil, err
	}
	if d.devices, err = NewSqliteDevicesTable(db); err != nil {
		return nil, err
	}
	if d.receipts, err = NewSqliteReceiptsTable(db); err != nil {
		return nil, err
	}
	if d.presence, err = NewSqlitePresenceTable(db); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SyncServerDatasource) NewDatabaseSnapshot(ctx context.Context) (*DatabaseTransaction, error) {
	// The sqlite driver does not support ReadOnly transaction options;
	// the snapshot never writes anyway.
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &DatabaseTransaction{d: d, ctx: ctx, txn: txn}, nil
}

func (d *SyncServerDatasource) MembershipCounts(ctx context.Context, roomIDs []string) (map[string]types.MemberCounts, error) {
	return d.memberships.SelectMembershipCounts(ctx, nil, roomIDs)
}

func (d *SyncServerDatasource) Heroes(ctx context.Context, roomIDs []string, userID string, limit int) (map[string][]string, error) {
	return d.memberships.SelectHeroes(ctx, nil, roomIDs, userID, limit)
}

func (d *SyncServerDatasource) ReceiptsForRooms(ctx context.Context, roomIDs []string, from types.StreamPosition) (map[string][]types.Receipt, error) {
	return d.receipts.SelectReceiptsForRooms(ctx, nil, roomIDs, from)
}

func (d *SyncServerDatasource) UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]types.UnreadNotifications, error) {
	return d.events.SelectUnreadCounts(ctx, nil, userID, roomIDs)
}

func (d *SyncServerDatasource) RoomAccountData(ctx context.Context, userID string, roomIDs []string, from types.StreamPosition) (map[string][]types.AccountDataEntry, error) {
	return d.accountData.SelectRoomAccountData(ctx, nil, userID, roomIDs, from)
}

func (d *SyncServerDatasource) MaxPositionsForRooms(ctx context.Context, roomIDs []string) (map[string]types.StreamPosition, error) {
	return d.events.SelectMaxPositionsForRooms(ctx, nil, roomIDs)
}

func (d *SyncServerDatasource) RoomsWithEventsAfter(ctx context.Context, roomIDs []string, from types.StreamPosition) (map[string]struct{}, error) {
	return d.events.SelectRoomsWithEventsAfter(ctx, nil, roomIDs, from)
}

func (d *SyncServerDatasource) JoinedUsersForRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.memberships.SelectJoinedUsers(ctx, nil, roomID)
}

// StoreRoomEvent writes a room event and its denormalised side effects
// (current state, membership, invite bookkeeping) in one transaction.
func (d *SyncServerDatasource) StoreRoomEvent(ctx context.Context, ev *types.Event, inviteTarget string) error {
	if ev.Position.IsEmpty() {
		ev.Position = types.NewStreamPosition()
	}
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		if err := d.events.InsertEvent(ctx, txn, ev); err != nil {
			return err
		}
		if !ev.IsState() {
			return nil
		}
		if err := d.currentState.UpsertState(ctx, txn, ev); err != nil {
			return err
		}
		if ev.Type != "m.room.member" {
			return nil
		}
		membership := gjson.GetBytes(ev.Content, "membership").Str
		target := *ev.StateKey
		if err := d.memberships.UpsertMembership(ctx, txn, ev.RoomID, target, membership, ev.EventID, ev.Position); err != nil {
			return err
		}
		switch membership {
		case "invite":
			if inviteTarget == "" {
				inviteTarget = target
			}
			return d.invites.InsertInvite(ctx, txn, &types.InviteEvent{
				RoomID:   ev.RoomID,
				UserID:   inviteTarget,
				Event:    *ev,
				Position: ev.Position,
			})
		default:
			// Joining or leaving retires any outstanding invite.
			return d.invites.RetireInvite(ctx, txn, ev.RoomID, target, ev.Position)
		}
	})
}

func (d *SyncServerDatasource) RedactEvent(ctx context.Context, redactedEventID string, redactionEvent *types.Event) error {
	redactionJSON, err := clientEventJSON(redactionEvent)
	if err != nil {
		return err
	}
	return d.events.UpdateEventRedaction(ctx, nil, redactedEventID, redactionJSON)
}

func (d *SyncServerDatasource) StoreToDeviceMessage(ctx context.Context, msg *types.ToDeviceMessage) error {
	return d.sendToDevice.InsertMessage(ctx, nil, msg)
}

func (d *SyncServerDatasource) StoreReceipt(ctx context.Context, receipt *types.Receipt) error {
	if receipt.Position.IsEmpty() {
		receipt.Position = types.NewStreamPosition()
	}
	return d.receipts.UpsertReceipt(ctx, nil, receipt)
}

func (d *SyncServerDatasource) UpsertAccountData(ctx context.Context, userID, roomID, dataType string, content []byte) (types.StreamPosition, error) {
	pos := types.NewStreamPosition()
	return pos, d.accountData.UpsertAccountData(ctx, nil, userID, roomID, dataType, content, pos)
}

func (d *SyncServerDatasource) StoreDeviceListChange(ctx context.Context, userID string) (types.StreamPosition, error) {
	pos := types.NewStreamPosition()
	return pos, d.keyChanges.UpsertKeyChange(ctx, nil, userID, pos)
}

func (d *SyncServerDatasource) UpdatePresence(ctx context.Context, presence *types.PresenceStatus) (types.StreamPosition, error) {
	pos := types.NewStreamPosition()
	presence.Position = pos
	return pos, d.presence.UpsertPresence(ctx, nil, presence, pos)
}

func (d *SyncServerDatasource) GetDeviceByAccessToken(ctx context.Context, token string) (*userapi.Device, error) {
	return d.devices.SelectDeviceByAccessToken(ctx, nil, token)
}

func (d *SyncServerDatasource) UpsertDevice(ctx context.Context, device *userapi.Device) error {
	return d.devices.UpsertDevice(ctx, nil, device)
}

func (d *SyncServerDatasource) SetDeviceTrust(ctx context.Context, userID, deviceID string, trust userapi.TrustState) error {
	return d.devices.UpdateTrustState(ctx, nil, userID, deviceID, trust)
}

func (d *SyncServerDatasource) SetDeviceKeyCounts(ctx context.Context, userID, deviceID string, otkCounts map[string]int, fallbackTypes []string) error {
	return d.devices.UpdateKeyCounts(ctx, nil, userID, deviceID, otkCounts, fallbackTypes)
}

func (d *SyncServerDatasource) UpdateDeviceLastSyncPosition(ctx context.Context, userID, deviceID string, pos types.StreamPosition) error {
	return d.devices.UpdateLastSyncPosition(ctx, nil, userID, deviceID, pos)
}

func (d *SyncServerDatasource) ClearDeviceSyncState(ctx context.Context, userID, deviceID string) error {
	return d.devices.ClearSyncState(ctx, nil, userID, deviceID)
}

// SendToDeviceUpdatesForSync performs the delivery step for one device:
// drop everything already delivered, return what remains and advance
// the watermark to the highest id handed out. All three steps share a
// transaction so a crash can duplicate delivery but never lose it.
func (d *SyncServerDatasource) SendToDeviceUpdatesForSync(ctx context.Context, userID, deviceID string, onlyVerification bool) ([]types.ToDeviceMessage, error) {
	var visible []types.ToDeviceMessage
	err := sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		watermark, err := d.devices.SelectLastDeliveredID(ctx, txn, userID, deviceID)
		if err != nil {
			return err
		}
		if err = d.sendToDevice.DeleteMessagesUpTo(ctx, txn, userID, deviceID, watermark); err != nil {
			return err
		}
		pending, err := d.sendToDevice.SelectMessagesAfter(ctx, txn, userID, deviceID, watermark)
		if err != nil {
			return err
		}
		for _, msg := range pending {
			if onlyVerification && !isVerificationType(msg.Type) {
				continue
			}
			visible = append(visible, msg)
		}
		if len(visible) == 0 {
			return nil
		}
		return d.devices.UpdateLastDeliveredID(ctx, txn, userID, deviceID, visible[len(visible)-1].ID)
	})
	if err != nil {
		return nil, err
	}
	return visible, nil
}

func isVerificationType(msgType string) bool {
	return strings.HasPrefix(msgType, "m.key.verification.")
}

func clientEventJSON(ev *types.Event) ([]byte, error) {
	ce := ev.ClientEvent(synctypes.FormatAll)
	return json.Marshal(ce)
}
