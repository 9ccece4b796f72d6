// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// DatabaseTransaction is a read snapshot over the sync database. All
// reads inside one sync request share a snapshot so the response is
// internally consistent even while consumers keep writing.
type DatabaseTransaction interface {
	Commit() error
	Rollback() error

	// MaxStreamPosition returns the highest position written to the
	// room event stream, or the empty position if nothing was written.
	MaxStreamPosition(ctx context.Context) (types.StreamPosition, error)

	// RecentEvents returns up to limit of the newest timeline events in
	// a room, oldest first.
	RecentEvents(ctx context.Context, roomID string, limit int) ([]types.Event, error)

	// EventsAfter returns up to limit of the newest timeline events in a
	// room with a position strictly after from, oldest first.
	EventsAfter(ctx context.Context, roomID string, from types.StreamPosition, limit int) ([]types.Event, error)

	// CurrentState returns the current state events of a room,
	// optionally excluding the given event IDs.
	CurrentState(ctx context.Context, roomID string, excludeEventIDs map[string]struct{}) ([]types.Event, error)

	// GetStateEvent returns a single current state event, or nil if the
	// room has no such event.
	GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.Event, error)

	// InvitesForUser returns the user's pending and retired invites in
	// the given position range.
	InvitesForUser(ctx context.Context, userID string, from, to types.StreamPosition) ([]types.InviteEvent, error)

	// MembershipChangesAfter returns rooms where the user's own
	// membership changed after from, with the new membership.
	MembershipChangesAfter(ctx context.Context, userID string, from types.StreamPosition) ([]types.MembershipChange, error)

	// RoomIDsWithMembership returns the rooms where the user currently
	// has the given membership.
	RoomIDsWithMembership(ctx context.Context, userID, membership string) ([]string, error)

	// SharedRoomUsers returns the set of users sharing at least one
	// joined room with the given user, excluding the user.
	SharedRoomUsers(ctx context.Context, userID string) ([]string, error)

	// PresenceForUsers returns the latest presence for each of the
	// given users, keyed by user ID. Users without presence are absent.
	PresenceForUsers(ctx context.Context, userIDs []string) (map[string]*types.PresenceStatus, error)

	// PresenceChangesAfter returns presence for users whose presence
	// changed after from, restricted to the given users.
	PresenceChangesAfter(ctx context.Context, userIDs []string, from types.StreamPosition) (map[string]*types.PresenceStatus, error)

	// GlobalAccountData returns the user's account-wide account data,
	// optionally restricted to entries after from.
	GlobalAccountData(ctx context.Context, userID string, from types.StreamPosition) ([]types.AccountDataEntry, error)

	// DeviceListChanges returns users whose device lists changed in
	// (from, to], split into those still sharing a room with userID and
	// those no longer doing so.
	DeviceListChanges(ctx context.Context, userID string, from, to types.StreamPosition) (changed, left []string, err error)
}

// Database is the full sync datastore. Point reads used by the batch
// prefetcher run against the pool so they can proceed concurrently.
type Database interface {
	NewDatabaseSnapshot(ctx context.Context) (DatabaseTransaction, error)

	// Batch reads, one query per category across many rooms.

	// MembershipCounts returns joined/invited member counts for each
	// room.
	MembershipCounts(ctx context.Context, roomIDs []string) (map[string]types.MemberCounts, error)

	// Heroes returns up to limit other members per room for name
	// calculation, excluding userID.
	Heroes(ctx context.Context, roomIDs []string, userID string, limit int) (map[string][]string, error)

	// ReceiptsForRooms returns read receipts newer than from for each
	// room.
	ReceiptsForRooms(ctx context.Context, roomIDs []string, from types.StreamPosition) (map[string][]types.Receipt, error)

	// UnreadCounts returns notification and highlight counts for the
	// user in each room.
	UnreadCounts(ctx context.Context, userID string, roomIDs []string) (map[string]types.UnreadNotifications, error)

	// RoomAccountData returns per-room account data for the user,
	// optionally restricted to entries after from.
	RoomAccountData(ctx context.Context, userID string, roomIDs []string, from types.StreamPosition) (map[string][]types.AccountDataEntry, error)

	// MaxPositionsForRooms returns the latest event position per room,
	// used to order sliding lists by activity.
	MaxPositionsForRooms(ctx context.Context, roomIDs []string) (map[string]types.StreamPosition, error)

	// RoomsWithEventsAfter filters roomIDs down to those with at least
	// one event after from.
	RoomsWithEventsAfter(ctx context.Context, roomIDs []string, from types.StreamPosition) (map[string]struct{}, error)

	// JoinedUsersForRoom returns the joined members of a room.
	JoinedUsersForRoom(ctx context.Context, roomID string) ([]string, error)

	// Writes, called by the stream consumers.

	StoreRoomEvent(ctx context.Context, ev *types.Event, inviteTarget string) error
	RedactEvent(ctx context.Context, redactedEventID string, redactionEvent *types.Event) error
	StoreToDeviceMessage(ctx context.Context, msg *types.ToDeviceMessage) error
	StoreReceipt(ctx context.Context, receipt *types.Receipt) error
	UpsertAccountData(ctx context.Context, userID, roomID, dataType string, content []byte) (types.StreamPosition, error)
	StoreDeviceListChange(ctx context.Context, userID string) (types.StreamPosition, error)
	UpdatePresence(ctx context.Context, presence *types.PresenceStatus) (types.StreamPosition, error)

	// Device bookkeeping.

	GetDeviceByAccessToken(ctx context.Context, token string) (*userapi.Device, error)
	UpsertDevice(ctx context.Context, device *userapi.Device) error
	SetDeviceTrust(ctx context.Context, userID, deviceID string, trust userapi.TrustState) error
	SetDeviceKeyCounts(ctx context.Context, userID, deviceID string, otkCounts map[string]int, fallbackTypes []string) error

	// UpdateDeviceLastSyncPosition records the cursor most recently
	// returned to a device. Called only when a response is actually
	// handed back to a trusted caller.
	UpdateDeviceLastSyncPosition(ctx context.Context, userID, deviceID string, pos types.StreamPosition) error

	// ClearDeviceSyncState discards a device's persisted sync cursor so
	// its next sync rebuilds from scratch. The to-device delivery
	// watermark is kept: messages already handed to the device are never
	// re-sent, trust transition or not.
	ClearDeviceSyncState(ctx context.Context, userID, deviceID string) error

	// SendToDeviceUpdatesForSync deletes messages already delivered to
	// the device (id <= the device's last delivered id), returns the
	// remainder in FIFO order and advances the delivery watermark to
	// the highest id returned, all in one transaction. When
	// onlyVerification is set, messages whose type is not a key
	// verification type stay queued and invisible.
	SendToDeviceUpdatesForSync(ctx context.Context, userID, deviceID string, onlyVerification bool) ([]types.ToDeviceMessage, error)
}
