// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/syncapi/notifier"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

const (
	syncTestUser   = "@alice:test"
	syncTestOther  = "@bob:test"
	syncTestDevice = "FRIGATE"
	syncTestToken  = "syncer-token"
)

var syncEventCounter int

func newTestRequestPool(t *testing.T) (*RequestPool, storage.Database) {
	t.Helper()
	db, err := storage.NewSyncServerDatasource(filepath.Join(t.TempDir(), "syncapi.db"), 1)
	require.NoError(t, err)
	caches, err := caching.NewCaches()
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Defaults()
	rp := NewRequestPool(db, &cfg.SyncAPI, notifier.NewNotifier(), caching.NewTypingCache(), caches)
	return rp, db
}

func seedDevice(t *testing.T, db storage.Database, trust userapi.TrustState) *userapi.Device {
	t.Helper()
	require.NoError(t, db.UpsertDevice(context.Background(), &userapi.Device{
		UserID:      syncTestUser,
		ID:          syncTestDevice,
		AccessToken: syncTestToken,
		TrustState:  trust,
	}))
	return refreshDevice(t, db)
}

// refreshDevice reloads the device row the way the auth layer would at
// the start of each request.
func refreshDevice(t *testing.T, db storage.Database) *userapi.Device {
	t.Helper()
	device, err := db.GetDeviceByAccessToken(context.Background(), syncTestToken)
	require.NoError(t, err)
	require.NotNil(t, device)
	return device
}

func storeTestMember(t *testing.T, db storage.Database, roomID, userID, membership string) *types.Event {
	t.Helper()
	syncEventCounter++
	content, _ := json.Marshal(map[string]string{"membership": membership})
	stateKey := userID
	ev := &types.Event{
		EventID:  fmt.Sprintf("$member%d:test", syncEventCounter),
		RoomID:   roomID,
		Sender:   userID,
		Type:     "m.room.member",
		StateKey: &stateKey,
		Content:  content,
	}
	require.NoError(t, db.StoreRoomEvent(context.Background(), ev, ""))
	return ev
}

func storeTestMessage(t *testing.T, db storage.Database, roomID, sender, body string) *types.Event {
	t.Helper()
	syncEventCounter++
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	ev := &types.Event{
		EventID: fmt.Sprintf("$msg%d:test", syncEventCounter),
		RoomID:  roomID,
		Sender:  sender,
		Type:    "m.room.message",
		Content: content,
	}
	require.NoError(t, db.StoreRoomEvent(context.Background(), ev, ""))
	return ev
}

func queueToDevice(t *testing.T, db storage.Database, msgType string) {
	t.Helper()
	content, _ := json.Marshal(map[string]string{"k": "v"})
	require.NoError(t, db.StoreToDeviceMessage(context.Background(), &types.ToDeviceMessage{
		UserID:   syncTestUser,
		DeviceID: syncTestDevice,
		Sender:   syncTestOther,
		Type:     msgType,
		Content:  content,
	}))
}

func doSync(t *testing.T, rp *RequestPool, device *userapi.Device, since string) *types.Response {
	t.Helper()
	return doSyncWithTimeout(t, rp, device, since, 0)
}

func doSyncWithTimeout(t *testing.T, rp *RequestPool, device *userapi.Device, since string, timeout time.Duration) *types.Response {
	t.Helper()
	target := "/_matrix/client/v3/sync"
	sep := "?"
	if since != "" {
		target += sep + "since=" + since
		sep = "&"
	}
	if timeout > 0 {
		target += sep + fmt.Sprintf("timeout=%d", timeout.Milliseconds())
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	res := rp.OnIncomingSyncRequest(req, device)
	require.Equal(t, http.StatusOK, res.Code)
	resp, ok := res.JSON.(*types.Response)
	require.True(t, ok, "expected a sync response body, got %T", res.JSON)
	return resp
}

func doSlidingSync(t *testing.T, rp *RequestPool, device *userapi.Device, pos string, body types.SlidingSyncRequest) *types.SlidingSyncResponse {
	t.Helper()
	body.Pos = pos
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/unstable/org.matrix.msc3575/sync", bytes.NewReader(buf))
	res := rp.OnIncomingSlidingSyncRequest(req, device)
	require.Equal(t, http.StatusOK, res.Code)
	resp, ok := res.JSON.(*types.SlidingSyncResponse)
	require.True(t, ok, "expected a sliding sync response body, got %T", res.JSON)
	return resp
}

func TestSyncIncrementalIncludesOnlyChangedRooms(t *testing.T) {
	rp, db := newTestRequestPool(t)
	roomA := "!active:test"
	roomB := "!quiet:test"
	storeTestMember(t, db, roomA, syncTestUser, "join")
	storeTestMember(t, db, roomB, syncTestUser, "join")
	storeTestMessage(t, db, roomA, syncTestOther, "before")
	storeTestMessage(t, db, roomB, syncTestOther, "before")
	device := seedDevice(t, db, userapi.TrustTrusted)

	resp := doSync(t, rp, device, "")
	require.NotNil(t, resp.Rooms)
	assert.Contains(t, resp.Rooms.Join, roomA)
	assert.Contains(t, resp.Rooms.Join, roomB)

	// Only the room with new events reappears on the next sync.
	storeTestMessage(t, db, roomA, syncTestOther, "after")
	device = refreshDevice(t, db)
	resp = doSync(t, rp, device, resp.NextBatch)
	require.NotNil(t, resp.Rooms)
	assert.Contains(t, resp.Rooms.Join, roomA)
	assert.NotContains(t, resp.Rooms.Join, roomB)
}

func TestSyncIncrementalWithoutChangesIsEmpty(t *testing.T) {
	rp, db := newTestRequestPool(t)
	roomID := "!idle:test"
	storeTestMember(t, db, roomID, syncTestUser, "join")
	storeTestMessage(t, db, roomID, syncTestOther, "hello")
	device := seedDevice(t, db, userapi.TrustTrusted)

	resp := doSync(t, rp, device, "")
	require.NotNil(t, resp.Rooms)

	// Repeating the sync with nothing new returns an empty response and
	// the same cursor, as many times as the client cares to ask.
	cursor := resp.NextBatch
	for i := 0; i < 2; i++ {
		device = refreshDevice(t, db)
		resp = doSync(t, rp, device, cursor)
		assert.True(t, resp.IsEmpty(), "sync %d should report nothing new", i+1)
		assert.Equal(t, cursor, resp.NextBatch)
	}
}

func TestSyncTrustTransitionForcesFullResync(t *testing.T) {
	rp, db := newTestRequestPool(t)
	roomID := "!verified:test"
	storeTestMember(t, db, roomID, syncTestUser, "join")
	stored := storeTestMessage(t, db, roomID, syncTestOther, "hello")
	device := seedDevice(t, db, userapi.TrustUnverified)

	// An unverified device never sees rooms and never advances its
	// cursor.
	resp := doSync(t, rp, device, "")
	assert.Nil(t, resp.Rooms)
	assert.Empty(t, refreshDevice(t, db).LastSyncPosition)

	// After verification the client presents its stale cursor, which
	// points past every event. The transition discards it so the whole
	// dataset comes back anyway.
	require.NoError(t, db.SetDeviceTrust(context.Background(), syncTestUser, syncTestDevice, userapi.TrustTrusted))
	device = refreshDevice(t, db)
	resp = doSync(t, rp, device, resp.NextBatch)
	require.NotNil(t, resp.Rooms)
	require.Contains(t, resp.Rooms.Join, roomID)
	timeline := resp.Rooms.Join[roomID].Timeline
	require.NotEmpty(t, timeline.Events)
	assert.Equal(t, stored.EventID, timeline.Events[len(timeline.Events)-1].EventID)
	assert.NotEmpty(t, refreshDevice(t, db).LastSyncPosition)
}

func TestSyncToDeviceDeliveredAtMostOnce(t *testing.T) {
	rp, db := newTestRequestPool(t)
	device := seedDevice(t, db, userapi.TrustTrusted)
	queueToDevice(t, db, "m.room_key_request")

	resp := doSync(t, rp, device, "")
	require.Len(t, resp.ToDevice.Events, 1)

	device = refreshDevice(t, db)
	resp = doSync(t, rp, device, resp.NextBatch)
	assert.Empty(t, resp.ToDevice.Events, "a delivered message must not be served twice")
}

func TestSyncTrustTransitionDoesNotRedeliverToDevice(t *testing.T) {
	rp, db := newTestRequestPool(t)
	device := seedDevice(t, db, userapi.TrustUnverified)
	queueToDevice(t, db, "m.key.verification.request")

	// Verification traffic reaches the device while it is unverified.
	resp := doSync(t, rp, device, "")
	require.Len(t, resp.ToDevice.Events, 1)

	// The full resync triggered by verification starts from scratch for
	// rooms, but not for messages the device already has.
	require.NoError(t, db.SetDeviceTrust(context.Background(), syncTestUser, syncTestDevice, userapi.TrustTrusted))
	device = refreshDevice(t, db)
	resp = doSync(t, rp, device, resp.NextBatch)
	assert.Empty(t, resp.ToDevice.Events)
}

func TestLongPollPicksUpUnannouncedWrites(t *testing.T) {
	rp, db := newTestRequestPool(t)
	rp.cfg.LongPollInterval = 10 * time.Millisecond
	roomID := "!later:test"
	storeTestMember(t, db, roomID, syncTestUser, "join")
	device := seedDevice(t, db, userapi.TrustTrusted)
	resp := doSync(t, rp, device, "")

	// The write lands mid-poll without a notifier wake-up, the way a
	// crashed or partitioned consumer would leave things. The poll's
	// periodic re-check finds it anyway, well before the deadline.
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": "surprise"})
	late := &types.Event{
		EventID: "$late:test",
		RoomID:  roomID,
		Sender:  syncTestOther,
		Type:    "m.room.message",
		Content: content,
	}
	storeErr := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		storeErr <- db.StoreRoomEvent(context.Background(), late, "")
	}()

	device = refreshDevice(t, db)
	resp = doSyncWithTimeout(t, rp, device, resp.NextBatch, 30*time.Second)
	require.NoError(t, <-storeErr)
	require.NotNil(t, resp.Rooms)
	require.Contains(t, resp.Rooms.Join, roomID)
	timeline := resp.Rooms.Join[roomID].Timeline
	require.NotEmpty(t, timeline.Events)
	assert.Equal(t, late.EventID, timeline.Events[len(timeline.Events)-1].EventID)
}

func TestSlidingSyncIncrementalIncludesOnlyActiveRooms(t *testing.T) {
	rp, db := newTestRequestPool(t)
	roomA := "!sliding-active:test"
	roomB := "!sliding-quiet:test"
	storeTestMember(t, db, roomA, syncTestUser, "join")
	storeTestMember(t, db, roomB, syncTestUser, "join")
	storeTestMessage(t, db, roomA, syncTestOther, "before")
	storeTestMessage(t, db, roomB, syncTestOther, "before")
	device := seedDevice(t, db, userapi.TrustTrusted)

	body := types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{
			"all": {Ranges: [][]int{{0, 10}}, TimelineLimit: 10},
		},
	}
	resp := doSlidingSync(t, rp, device, "", body)
	require.Contains(t, resp.Rooms, roomA)
	require.Contains(t, resp.Rooms, roomB)
	assert.True(t, resp.Rooms[roomA].Initial)

	// The quiet room keeps its window slot but sends no payload.
	storeTestMessage(t, db, roomA, syncTestOther, "after")
	device = refreshDevice(t, db)
	resp = doSlidingSync(t, rp, device, resp.Pos, body)
	assert.Contains(t, resp.Rooms, roomA)
	assert.NotContains(t, resp.Rooms, roomB)
	require.Contains(t, resp.Lists, "all")
	require.Len(t, resp.Lists["all"].Ops, 1)
	assert.ElementsMatch(t, []string{roomA, roomB}, resp.Lists["all"].Ops[0].RoomIDs)
}

func TestUpdatePresenceWakesSharingUsers(t *testing.T) {
	rp, db := newTestRequestPool(t)
	roomID := "!shared:test"
	storeTestMember(t, db, roomID, syncTestUser, "join")
	storeTestMember(t, db, roomID, syncTestOther, "join")

	listener := rp.notifier.GetListener(syncTestOther)
	ch := listener.GetNotifyChannel("")
	defer listener.Done()

	rp.updatePresence(context.Background(), syncTestUser, "online")

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a presence change to wake users sharing a room")
	}
}
