// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *types.Event) error
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomID string, limit int) ([]types.Event, error)
	SelectEventsAfter(ctx context.Context, txn *sql.Tx, roomID string, from types.StreamPosition, limit int) ([]types.Event, error)
	SelectMaxPosition(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)
	SelectMaxPositionsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string]types.StreamPosition, error)
	SelectRoomsWithEventsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, from types.StreamPosition) (map[string]struct{}, error)
	SelectUnreadCounts(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]types.UnreadNotifications, error)
	UpdateEventRedaction(ctx context.Context, txn *sql.Tx, redactedEventID string, redactionJSON []byte) error
}

type CurrentRoomState interface {
	UpsertState(ctx context.Context, txn *sql.Tx, ev *types.Event) error
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string, excludeEventIDs map[string]struct{}) ([]types.Event, error)
	SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (*types.Event, error)
}

type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomID, userID, membership, eventID string, pos types.StreamPosition) error
	SelectRoomIDsWithMembership(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error)
	SelectMembershipCounts(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string]types.MemberCounts, error)
	SelectHeroes(ctx context.Context, txn *sql.Tx, roomIDs []string, excludeUserID string, limit int) (map[string][]string, error)
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	SelectSharedUsers(ctx context.Context, txn *sql.Tx, userID string) ([]string, error)
	SelectMembershipChangesAfter(ctx context.Context, txn *sql.Tx, userID string, from types.StreamPosition) ([]types.MembershipChange, error)
}

type Invites interface {
	InsertInvite(ctx context.Context, txn *sql.Tx, invite *types.InviteEvent) error
	RetireInvite(ctx context.Context, txn *sql.Tx, roomID, userID string, pos types.StreamPosition) error
	SelectInvitesInRange(ctx context.Context, txn *sql.Tx, userID string, from, to types.StreamPosition) ([]types.InviteEvent, error)
}

type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string, content []byte, pos types.StreamPosition) error
	SelectGlobalAccountData(ctx context.Context, txn *sql.Tx, userID string, from types.StreamPosition) ([]types.AccountDataEntry, error)
	SelectRoomAccountData(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string, from types.StreamPosition) (map[string][]types.AccountDataEntry, error)
}

type KeyChanges interface {
	UpsertKeyChange(ctx context.Context, txn *sql.Tx, userID string, pos types.StreamPosition) error
	SelectKeyChangesInRange(ctx context.Context, txn *sql.Tx, from, to types.StreamPosition) ([]string, error)
}

type SendToDevice interface {
	InsertMessage(ctx context.Context, txn *sql.Tx, msg *types.ToDeviceMessage) error
	DeleteMessagesUpTo(ctx context.Context, txn *sql.Tx, userID, deviceID string, id int64) error
	SelectMessagesAfter(ctx context.Context, txn *sql.Tx, userID, deviceID string, after int64) ([]types.ToDeviceMessage, error)
}

type Devices interface {
	UpsertDevice(ctx context.Context, txn *sql.Tx, device *userapi.Device) error
	SelectDeviceByAccessToken(ctx context.Context, txn *sql.Tx, token string) (*userapi.Device, error)
	UpdateTrustState(ctx context.Context, txn *sql.Tx, userID, deviceID string, trust userapi.TrustState) error
	UpdateKeyCounts(ctx context.Context, txn *sql.Tx, userID, deviceID string, otkCounts map[string]int, fallbackTypes []string) error
	UpdateLastSyncPosition(ctx context.Context, txn *sql.Tx, userID, deviceID string, pos types.StreamPosition) error
	UpdateLastDeliveredID(ctx context.Context, txn *sql.Tx, userID, deviceID string, id int64) error
	SelectLastDeliveredID(ctx context.Context, txn *sql.Tx, userID, deviceID string) (int64, error)
	ClearSyncState(ctx context.Context, txn *sql.Tx, userID, deviceID string) error
}

type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, receipt *types.Receipt) error
	SelectReceiptsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string, from types.StreamPosition) (map[string][]types.Receipt, error)
}

type Presence interface {
	UpsertPresence(ctx context.Context, txn *sql.Tx, presence *types.PresenceStatus, pos types.StreamPosition) error
	SelectPresenceForUsers(ctx context.Context, txn *sql.Tx, userIDs []string) (map[string]*types.PresenceStatus, error)
	SelectPresenceChangesAfter(ctx context.Context, txn *sql.Tx, userIDs []string, from types.StreamPosition) (map[string]*types.PresenceStatus, error)
}
