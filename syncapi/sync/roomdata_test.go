// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
)

// fakeSnapshot serves canned data for the builder; everything else on
// the snapshot interface panics if touched.
type fakeSnapshot struct {
	storage.DatabaseTransaction
	events map[string][]types.Event
	state  map[string][]types.Event
}

func (f *fakeSnapshot) RecentEvents(_ context.Context, roomID string, limit int) ([]types.Event, error) {
	events := f.events[roomID]
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (f *fakeSnapshot) EventsAfter(_ context.Context, roomID string, from types.StreamPosition, limit int) ([]types.Event, error) {
	var result []types.Event
	for _, ev := range f.events[roomID] {
		if !ev.Position.IsAfter(from) {
			continue
		}
		result = append(result, ev)
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (f *fakeSnapshot) CurrentState(_ context.Context, roomID string, excludeEventIDs map[string]struct{}) ([]types.Event, error) {
	var result []types.Event
	for _, ev := range f.state[roomID] {
		if _, ok := excludeEventIDs[ev.EventID]; ok {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}

func makeEvents(roomID string, n int) []types.Event {
	events := make([]types.Event, n)
	for i := range events {
		events[i] = types.Event{
			Position: types.NewStreamPosition(),
			EventID:  fmt.Sprintf("$%s-%d", roomID, i),
			RoomID:   roomID,
			Sender:   "@alice:test",
			Type:     "m.room.message",
			Content:  []byte(`{"body":"hi"}`),
		}
	}
	return events
}

func stateEvent(roomID, evType, stateKey, eventID string) types.Event {
	return types.Event{
		Position: types.NewStreamPosition(),
		EventID:  eventID,
		RoomID:   roomID,
		Sender:   "@alice:test",
		Type:     evType,
		StateKey: &stateKey,
		Content:  []byte(`{}`),
	}
}

func fullSyncRequest() *types.SyncRequest {
	return &types.SyncRequest{Trust: types.TrustContext{IsTrusted: true}}
}

func incrementalRequest(since types.StreamPosition) *types.SyncRequest {
	return &types.SyncRequest{Trust: types.TrustContext{IsTrusted: true, Since: since}}
}

func TestBuildTimelineFullSync(t *testing.T) {
	const roomID = "!room:test"
	ctx := context.Background()

	t.Run("under the limit", func(t *testing.T) {
		b := &roomDataBuilder{
			snapshot:      &fakeSnapshot{events: map[string][]types.Event{roomID: makeEvents(roomID, 3)}},
			prefetched:    &prefetchedRoomData{},
			timelineLimit: 10,
		}
		timeline, err := b.buildTimeline(ctx, fullSyncRequest(), roomID)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		assert.Len(t, timeline.Events, 3)
		assert.False(t, timeline.Limited)
	})

	t.Run("window came back full", func(t *testing.T) {
		events := makeEvents(roomID, 10)
		b := &roomDataBuilder{
			snapshot:      &fakeSnapshot{events: map[string][]types.Event{roomID: events}},
			prefetched:    &prefetchedRoomData{},
			timelineLimit: 5,
		}
		timeline, err := b.buildTimeline(ctx, fullSyncRequest(), roomID)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		require.Len(t, timeline.Events, 5)
		assert.True(t, timeline.Limited)
		// The window holds the newest events and prev_batch points at the
		// oldest one inside it.
		assert.Equal(t, events[9].EventID, timeline.Events[4].EventID)
		assert.Equal(t, string(events[5].Position), timeline.PrevBatch)
	})

	t.Run("empty room yields no timeline", func(t *testing.T) {
		b := &roomDataBuilder{
			snapshot:      &fakeSnapshot{},
			prefetched:    &prefetchedRoomData{},
			timelineLimit: 10,
		}
		timeline, err := b.buildTimeline(ctx, fullSyncRequest(), roomID)
		require.NoError(t, err)
		assert.Nil(t, timeline)
	})
}

func TestBuildTimelineIncremental(t *testing.T) {
	const roomID = "!room:test"
	ctx := context.Background()
	events := makeEvents(roomID, 8)
	snapshot := &fakeSnapshot{events: map[string][]types.Event{roomID: events}}

	t.Run("everything fits", func(t *testing.T) {
		b := &roomDataBuilder{snapshot: snapshot, prefetched: &prefetchedRoomData{}, timelineLimit: 10}
		timeline, err := b.buildTimeline(ctx, incrementalRequest(events[4].Position), roomID)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		assert.Len(t, timeline.Events, 3)
		assert.False(t, timeline.Limited)
		assert.Equal(t, events[5].EventID, timeline.Events[0].EventID)
	})

	t.Run("more than the limit marks limited and keeps the newest", func(t *testing.T) {
		b := &roomDataBuilder{snapshot: snapshot, prefetched: &prefetchedRoomData{}, timelineLimit: 3}
		timeline, err := b.buildTimeline(ctx, incrementalRequest(events[0].Position), roomID)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		require.Len(t, timeline.Events, 3)
		assert.True(t, timeline.Limited)
		// The window ends at the newest event so nothing falls beyond
		// next_batch; prev_batch covers the rest of the gap.
		assert.Equal(t, events[5].EventID, timeline.Events[0].EventID)
		assert.Equal(t, events[7].EventID, timeline.Events[2].EventID)
		assert.Equal(t, string(events[5].Position), timeline.PrevBatch)
	})

	t.Run("a gap wider than the window never outruns the cursor", func(t *testing.T) {
		const gapRoom = "!gap:test"
		gapEvents := makeEvents(gapRoom, 12)
		gapSnapshot := &fakeSnapshot{events: map[string][]types.Event{gapRoom: gapEvents}}
		b := &roomDataBuilder{snapshot: gapSnapshot, prefetched: &prefetchedRoomData{}, timelineLimit: 10}
		timeline, err := b.buildTimeline(ctx, incrementalRequest(gapEvents[0].Position), gapRoom)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		require.Len(t, timeline.Events, 10)
		assert.True(t, timeline.Limited)
		assert.Equal(t, gapEvents[11].EventID, timeline.Events[9].EventID)
		assert.Equal(t, string(gapEvents[2].Position), timeline.PrevBatch)
	})

	t.Run("exactly the limit is not limited", func(t *testing.T) {
		b := &roomDataBuilder{snapshot: snapshot, prefetched: &prefetchedRoomData{}, timelineLimit: 3}
		timeline, err := b.buildTimeline(ctx, incrementalRequest(events[4].Position), roomID)
		require.NoError(t, err)
		require.NotNil(t, timeline)
		assert.Len(t, timeline.Events, 3)
		assert.False(t, timeline.Limited)
	})

	t.Run("nothing new omits the room", func(t *testing.T) {
		b := &roomDataBuilder{snapshot: snapshot, prefetched: &prefetchedRoomData{}, timelineLimit: 3}
		jr, err := b.buildJoinedRoom(ctx, incrementalRequest(events[7].Position), roomID)
		require.NoError(t, err)
		assert.Nil(t, jr)
	})
}

func TestBuildJoinedRoomStateExcludesTimeline(t *testing.T) {
	const roomID = "!room:test"
	ctx := context.Background()
	events := makeEvents(roomID, 2)
	memberEvent := stateEvent(roomID, "m.room.member", "@alice:test", events[1].EventID)
	b := &roomDataBuilder{
		snapshot: &fakeSnapshot{
			events: map[string][]types.Event{roomID: events},
			state: map[string][]types.Event{roomID: {
				stateEvent(roomID, "m.room.create", "", "$create"),
				memberEvent,
			}},
		},
		prefetched: &prefetchedRoomData{
			memberCounts: map[string]types.MemberCounts{roomID: {Joined: 2, Invited: 1}},
			heroes:       map[string][]string{roomID: {"@bob:test"}},
		},
		timelineLimit: 10,
	}

	jr, err := b.buildJoinedRoom(ctx, fullSyncRequest(), roomID)
	require.NoError(t, err)
	require.NotNil(t, jr)

	// State events already in the timeline window are not repeated.
	require.Len(t, jr.State.Events, 1)
	assert.Equal(t, "$create", jr.State.Events[0].EventID)

	require.NotNil(t, jr.Summary)
	assert.Equal(t, []string{"@bob:test"}, jr.Summary.Heroes)
	assert.Equal(t, 2, *jr.Summary.JoinedCount)
	assert.Equal(t, 1, *jr.Summary.InvitedCount)
}

func TestBuildInviteRoomStrippedState(t *testing.T) {
	const roomID = "!room:test"
	ctx := context.Background()
	inviteEvent := stateEvent(roomID, "m.room.member", "@bob:test", "$invite")
	b := &roomDataBuilder{
		snapshot: &fakeSnapshot{
			state: map[string][]types.Event{roomID: {
				stateEvent(roomID, "m.room.create", "", "$create"),
				stateEvent(roomID, "m.room.name", "", "$name"),
				stateEvent(roomID, "m.room.topic", "", "$topic"),
				stateEvent(roomID, "m.room.member", "@alice:test", "$alice"),
				inviteEvent,
			}},
		},
		prefetched:    &prefetchedRoomData{},
		timelineLimit: 10,
	}

	ir, err := b.buildInviteRoom(ctx, &types.InviteEvent{
		RoomID: roomID,
		UserID: "@bob:test",
		Event:  inviteEvent,
	})
	require.NoError(t, err)
	require.NotNil(t, ir)

	var eventIDs []string
	for _, ev := range ir.InviteState.Events {
		eventIDs = append(eventIDs, ev.EventID)
	}
	// The invite itself leads; topics and other members are never
	// previewable.
	assert.Equal(t, []string{"$invite", "$create", "$name"}, eventIDs)
}

func TestReceiptEvent(t *testing.T) {
	ev, err := receiptEvent([]types.Receipt{
		{RoomID: "!room:test", Type: "m.read", UserID: "@alice:test", EventID: "$a", Timestamp: 1000},
		{RoomID: "!room:test", Type: "m.read", UserID: "@bob:test", EventID: "$a", Timestamp: 2000},
	})
	require.NoError(t, err)
	assert.Equal(t, "m.receipt", ev.Type)
	assert.JSONEq(t, `{"$a":{"m.read":{"@alice:test":{"ts":1000},"@bob:test":{"ts":2000}}}}`, string(ev.Content))
}
