// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

const (
	testRoomID = "!room:test"
	alice      = "@alice:test"
	bob        = "@bob:test"
)

var eventCounter int

func newTestDatabase(t *testing.T) *SyncServerDatasource {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "syncapi.db"), 1)
	require.NoError(t, err)
	return db
}

func nextEventID() string {
	eventCounter++
	return fmt.Sprintf("$event%d:test", eventCounter)
}

func messageEvent(roomID, sender, body string) *types.Event {
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return &types.Event{
		EventID: nextEventID(),
		RoomID:  roomID,
		Sender:  sender,
		Type:    "m.room.message",
		Content: content,
	}
}

func memberEvent(roomID, target, membership string) *types.Event {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	stateKey := target
	return &types.Event{
		EventID:  nextEventID(),
		RoomID:   roomID,
		Sender:   target,
		Type:     "m.room.member",
		StateKey: &stateKey,
		Content:  content,
	}
}

func mustStoreEvent(t *testing.T, db *SyncServerDatasource, ev *types.Event) *types.Event {
	t.Helper()
	require.NoError(t, db.StoreRoomEvent(context.Background(), ev, ""))
	return ev
}

func TestStoreRoomEventSideEffects(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	mustStoreEvent(t, db, memberEvent(testRoomID, alice, "join"))
	mustStoreEvent(t, db, memberEvent(testRoomID, bob, "join"))
	last := mustStoreEvent(t, db, messageEvent(testRoomID, bob, "hello"))

	counts, err := db.MembershipCounts(ctx, []string{testRoomID})
	require.NoError(t, err)
	assert.Equal(t, types.MemberCounts{Joined: 2}, counts[testRoomID])

	joined, err := db.JoinedUsersForRoom(ctx, testRoomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, joined)

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck

	rooms, err := snapshot.RoomIDsWithMembership(ctx, alice, "join")
	require.NoError(t, err)
	assert.Equal(t, []string{testRoomID}, rooms)

	events, err := snapshot.RecentEvents(ctx, testRoomID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, last.EventID, events[2].EventID, "events must come back oldest first")

	maxPos, err := snapshot.MaxStreamPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Position, maxPos)
}

func TestRecentEventsAndEventsAfter(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	stored := make([]*types.Event, 0, 5)
	for i := 0; i < 5; i++ {
		stored = append(stored, mustStoreEvent(t, db, messageEvent(testRoomID, alice, fmt.Sprintf("msg %d", i))))
	}

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck

	recent, err := snapshot.RecentEvents(ctx, testRoomID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, stored[2].EventID, recent[0].EventID)
	assert.Equal(t, stored[4].EventID, recent[2].EventID)

	after, err := snapshot.EventsAfter(ctx, testRoomID, stored[1].Position, 10)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, stored[2].EventID, after[0].EventID)

	// When the range holds more than the limit, the newest events win so
	// the window always reaches the stream head.
	after, err = snapshot.EventsAfter(ctx, testRoomID, stored[0].Position, 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, stored[3].EventID, after[0].EventID)
	assert.Equal(t, stored[4].EventID, after[1].EventID)

	active, err := db.RoomsWithEventsAfter(ctx, []string{testRoomID, "!other:test"}, stored[4].Position)
	require.NoError(t, err)
	assert.Empty(t, active)
	active, err = db.RoomsWithEventsAfter(ctx, []string{testRoomID, "!other:test"}, stored[3].Position)
	require.NoError(t, err)
	assert.Contains(t, active, testRoomID)
}

func TestInviteLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	invite := memberEvent(testRoomID, bob, "invite")
	invite.Sender = alice
	mustStoreEvent(t, db, invite)

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	invites, err := snapshot.InvitesForUser(ctx, bob, "", "")
	require.NoError(t, err)
	require.NoError(t, snapshot.Commit())
	require.Len(t, invites, 1)
	assert.False(t, invites[0].Retired)
	assert.Equal(t, invite.EventID, invites[0].Event.EventID)

	// Joining the room retires the invite.
	join := mustStoreEvent(t, db, memberEvent(testRoomID, bob, "join"))

	snapshot, err = db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	invites, err = snapshot.InvitesForUser(ctx, bob, "", "")
	require.NoError(t, err)
	require.NoError(t, snapshot.Commit())
	require.Len(t, invites, 1)
	assert.True(t, invites[0].Retired)
	assert.Equal(t, join.Position, invites[0].Position)
}

func TestRedactEvent(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	target := mustStoreEvent(t, db, messageEvent(testRoomID, alice, "redact me"))
	redaction := messageEvent(testRoomID, alice, "")
	redaction.Type = "m.room.redaction"
	redaction.Position = types.NewStreamPosition()
	require.NoError(t, db.RedactEvent(ctx, target.EventID, redaction))

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck
	events, err := snapshot.RecentEvents(ctx, testRoomID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, "{}", string(events[0].Content))
	assert.Contains(t, events[0].RedactedBecause, redaction.EventID)
}

func TestSendToDeviceLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	device := &userapi.Device{
		UserID:      alice,
		ID:          "FRIGATE",
		AccessToken: "token1",
		TrustState:  userapi.TrustTrusted,
	}
	require.NoError(t, db.UpsertDevice(ctx, device))

	send := func(msgType string) {
		content, _ := json.Marshal(map[string]string{"k": "v"})
		require.NoError(t, db.StoreToDeviceMessage(ctx, &types.ToDeviceMessage{
			UserID:   alice,
			DeviceID: "FRIGATE",
			Sender:   bob,
			Type:     msgType,
			Content:  content,
		}))
	}
	send("m.room_key_request")
	send("m.key.verification.request")
	send("m.new_device")

	// A trusted drain sees all pending messages in send order.
	msgs, err := db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", false)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m.room_key_request", msgs[0].Type)
	assert.Equal(t, "m.new_device", msgs[2].Type)

	// Delivered messages are deleted lazily by the next drain, which
	// finds nothing new and leaves the watermark alone.
	msgs, err = db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", false)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	send("m.later")
	msgs, err = db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m.later", msgs[0].Type)
}

func TestSendToDeviceVerificationFilter(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertDevice(ctx, &userapi.Device{
		UserID:      alice,
		ID:          "FRIGATE",
		AccessToken: "token1",
	}))

	content, _ := json.Marshal(map[string]string{"k": "v"})
	for _, msgType := range []string{"m.key.verification.start", "m.room_key_request", "m.key.verification.mac"} {
		require.NoError(t, db.StoreToDeviceMessage(ctx, &types.ToDeviceMessage{
			UserID:   alice,
			DeviceID: "FRIGATE",
			Sender:   bob,
			Type:     msgType,
			Content:  content,
		}))
	}

	msgs, err := db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m.key.verification.start", msgs[0].Type)
	assert.Equal(t, "m.key.verification.mac", msgs[1].Type)
}

func TestDeviceTrustAndSyncState(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertDevice(ctx, &userapi.Device{
		UserID:      alice,
		ID:          "FRIGATE",
		AccessToken: "token1",
	}))

	device, err := db.GetDeviceByAccessToken(ctx, "token1")
	require.NoError(t, err)
	assert.Equal(t, userapi.TrustUnverified, device.TrustState)
	assert.Empty(t, device.LastSyncPosition)

	require.NoError(t, db.SetDeviceTrust(ctx, alice, "FRIGATE", userapi.TrustTrusted))
	pos := types.NewStreamPosition()
	require.NoError(t, db.UpdateDeviceLastSyncPosition(ctx, alice, "FRIGATE", pos))

	device, err = db.GetDeviceByAccessToken(ctx, "token1")
	require.NoError(t, err)
	assert.Equal(t, userapi.TrustTrusted, device.TrustState)
	assert.Equal(t, string(pos), device.LastSyncPosition)

	require.NoError(t, db.ClearDeviceSyncState(ctx, alice, "FRIGATE"))
	device, err = db.GetDeviceByAccessToken(ctx, "token1")
	require.NoError(t, err)
	assert.Empty(t, device.LastSyncPosition)
}

func TestClearSyncStateKeepsDeliveryWatermark(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertDevice(ctx, &userapi.Device{
		UserID:      alice,
		ID:          "FRIGATE",
		AccessToken: "token1",
	}))

	content, _ := json.Marshal(map[string]string{"k": "v"})
	require.NoError(t, db.StoreToDeviceMessage(ctx, &types.ToDeviceMessage{
		UserID:   alice,
		DeviceID: "FRIGATE",
		Sender:   bob,
		Type:     "m.key.verification.request",
		Content:  content,
	}))

	// The unverified device drains the verification message, advancing
	// the delivery watermark past it.
	msgs, err := db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Becoming trusted discards the sync cursor but not the watermark:
	// the already-delivered message must not come back on the full
	// resync that follows.
	require.NoError(t, db.SetDeviceTrust(ctx, alice, "FRIGATE", userapi.TrustTrusted))
	require.NoError(t, db.ClearDeviceSyncState(ctx, alice, "FRIGATE"))

	msgs, err = db.SendToDeviceUpdatesForSync(ctx, alice, "FRIGATE", false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAccountDataCursor(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	before := types.NewStreamPosition()
	pos, err := db.UpsertAccountData(ctx, alice, "", "m.push_rules", []byte(`{"global":{}}`))
	require.NoError(t, err)
	_, err = db.UpsertAccountData(ctx, alice, testRoomID, "m.tag", []byte(`{"tags":{}}`))
	require.NoError(t, err)

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck

	global, err := snapshot.GlobalAccountData(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "m.push_rules", global[0].Type)

	global, err = snapshot.GlobalAccountData(ctx, alice, before)
	require.NoError(t, err)
	assert.Len(t, global, 1, "data written after the cursor must be visible")

	global, err = snapshot.GlobalAccountData(ctx, alice, pos)
	require.NoError(t, err)
	assert.Empty(t, global, "data at or before the cursor must be filtered")

	roomData, err := db.RoomAccountData(ctx, alice, []string{testRoomID}, "")
	require.NoError(t, err)
	require.Len(t, roomData[testRoomID], 1)
	assert.Equal(t, "m.tag", roomData[testRoomID][0].Type)
}

func TestUnreadCounts(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	read := mustStoreEvent(t, db, messageEvent(testRoomID, bob, "seen"))
	mustStoreEvent(t, db, messageEvent(testRoomID, bob, "unseen one"))
	mustStoreEvent(t, db, messageEvent(testRoomID, bob, "hey "+alice))
	mustStoreEvent(t, db, messageEvent(testRoomID, alice, "own messages never count"))

	require.NoError(t, db.StoreReceipt(ctx, &types.Receipt{
		RoomID:  testRoomID,
		Type:    "m.read",
		UserID:  alice,
		EventID: read.EventID,
	}))

	counts, err := db.UnreadCounts(ctx, alice, []string{testRoomID})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[testRoomID].NotificationCount)
	assert.Equal(t, 1, counts[testRoomID].HighlightCount)
}

func TestDeviceListChangesPartition(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	mustStoreEvent(t, db, memberEvent(testRoomID, alice, "join"))
	mustStoreEvent(t, db, memberEvent(testRoomID, bob, "join"))
	charlie := "@charlie:test"

	from := types.NewStreamPosition()
	_, err := db.StoreDeviceListChange(ctx, bob)
	require.NoError(t, err)
	_, err = db.StoreDeviceListChange(ctx, charlie)
	require.NoError(t, err)

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck

	to, err := snapshot.MaxStreamPosition(ctx)
	require.NoError(t, err)
	to = types.MaxStreamPosition(to, types.NewStreamPosition())

	changed, left, err := snapshot.DeviceListChanges(ctx, alice, from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, changed, "users sharing a room land in changed")
	assert.Equal(t, []string{charlie}, left, "users with no shared room land in left")
}
