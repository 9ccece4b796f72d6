// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
)

// inviteStrippedTypes is the state preview an invited user may see
// before joining.
var inviteStrippedTypes = map[string]struct{}{
	spec.MRoomCreate:         {},
	spec.MRoomName:           {},
	"m.room.avatar":          {},
	spec.MRoomCanonicalAlias: {},
	spec.MRoomJoinRules:      {},
	spec.MRoomMember:         {},
}

// roomDataBuilder assembles the per-room sections of a response from a
// shared snapshot plus the prefetched batch data.
type roomDataBuilder struct {
	snapshot      storage.DatabaseTransaction
	prefetched    *prefetchedRoomData
	timelineLimit int
}

// buildJoinedRoom returns the response for one joined room, or nil when
// an incremental sync finds nothing new there, in which case the room
// is omitted entirely.
func (b *roomDataBuilder) buildJoinedRoom(
	ctx context.Context, req *types.SyncRequest, roomID string,
) (*types.JoinResponse, error) {
	timeline, err := b.buildTimeline(ctx, req, roomID)
	if err != nil {
		return nil, err
	}
	if timeline == nil {
		return nil, nil
	}

	jr := &types.JoinResponse{Timeline: *timeline}

	// State carries what the timeline window does not.
	if req.Trust.Since.IsEmpty() || req.WantFullState || timeline.Limited {
		exclude := make(map[string]struct{}, len(timeline.Events))
		for i := range timeline.Events {
			exclude[timeline.Events[i].EventID] = struct{}{}
		}
		stateEvents, err := b.snapshot.CurrentState(ctx, roomID, exclude)
		if err != nil {
			return nil, err
		}
		for i := range stateEvents {
			jr.State.Events = append(jr.State.Events, stateEvents[i].ClientEvent(synctypes.FormatSync))
		}
	}

	if counts, ok := b.prefetched.memberCounts[roomID]; ok {
		joined, invited := counts.Joined, counts.Invited
		jr.Summary = &types.Summary{
			Heroes:       b.prefetched.heroes[roomID],
			JoinedCount:  &joined,
			InvitedCount: &invited,
		}
	}
	if unread, ok := b.prefetched.unreadCounts[roomID]; ok {
		jr.UnreadNotifications = &unread
	}
	for _, entry := range b.prefetched.accountData[roomID] {
		jr.AccountData.Events = append(jr.AccountData.Events, synctypes.ClientEvent{
			Type:    entry.Type,
			Content: spec.RawJSON(entry.Content),
		})
	}
	jr.Ephemeral.Events = b.buildEphemeral(roomID)
	return jr, nil
}

// buildTimeline returns the timeline window for a room, with the
// limited flag and a nil result when the room has nothing to report.
//
// On a full sync the room is never empty (the join event exists) and
// the window is limited exactly when it came back full: a room with
// precisely limit events over-reports limited, which clients resolve
// with one cheap backfill. On an incremental sync the window anchors at
// the newest events past the cursor: one extra is fetched to decide
// limited, and when more events landed than the window holds the older
// ones stay reachable through prev_batch instead of being skipped past
// by next_batch.
func (b *roomDataBuilder) buildTimeline(
	ctx context.Context, req *types.SyncRequest, roomID string,
) (*types.Timeline, error) {
	limit := b.timelineLimit
	if req.Trust.Since.IsEmpty() {
		events, err := b.snapshot.RecentEvents(ctx, roomID, limit)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, nil
		}
		return b.makeTimeline(events, len(events) == limit), nil
	}

	events, err := b.snapshot.EventsAfter(ctx, roomID, req.Trust.Since, limit+1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	limited := false
	if len(events) > limit {
		limited = true
		events = events[len(events)-limit:]
	}
	return b.makeTimeline(events, limited), nil
}

func (b *roomDataBuilder) makeTimeline(events []types.Event, limited bool) *types.Timeline {
	t := &types.Timeline{
		Events:    make([]synctypes.ClientEvent, 0, len(events)),
		Limited:   limited,
		PrevBatch: string(events[0].Position),
	}
	for i := range events {
		t.Events = append(t.Events, events[i].ClientEvent(synctypes.FormatSync))
	}
	return t
}

// buildInviteRoom strips an invite down to the allowed state preview.
func (b *roomDataBuilder) buildInviteRoom(
	ctx context.Context, invite *types.InviteEvent,
) (*types.InviteResponse, error) {
	ir := &types.InviteResponse{}
	ir.InviteState.Events = append(ir.InviteState.Events, invite.Event.ClientEvent(synctypes.FormatSync))
	stateEvents, err := b.snapshot.CurrentState(ctx, invite.RoomID, nil)
	if err != nil {
		return nil, err
	}
	for i := range stateEvents {
		ev := &stateEvents[i]
		if _, ok := inviteStrippedTypes[ev.Type]; !ok {
			continue
		}
		if ev.EventID == invite.Event.EventID {
			continue
		}
		// Only the invitee's own membership is previewable; other
		// members stay hidden until the user joins.
		if ev.Type == spec.MRoomMember && ev.StateKey != nil && *ev.StateKey != invite.UserID {
			continue
		}
		ir.InviteState.Events = append(ir.InviteState.Events, ev.ClientEvent(synctypes.FormatSync))
	}
	return ir, nil
}

// buildLeaveRoom returns the bounded history between the cursor and the
// departure, so a client sees how a room ended.
func (b *roomDataBuilder) buildLeaveRoom(
	ctx context.Context, req *types.SyncRequest, roomID string,
) (*types.LeaveResponse, error) {
	timeline, err := b.buildTimeline(ctx, req, roomID)
	if err != nil {
		return nil, err
	}
	if timeline == nil {
		return nil, nil
	}
	return &types.LeaveResponse{Timeline: *timeline}, nil
}

func (b *roomDataBuilder) buildEphemeral(roomID string) []synctypes.ClientEvent {
	var events []synctypes.ClientEvent
	if receipts := b.prefetched.receipts[roomID]; len(receipts) > 0 {
		if ev, err := receiptEvent(receipts); err == nil {
			events = append(events, ev)
		}
	}
	if typing := b.prefetched.typingUsers[roomID]; len(typing) > 0 {
		content, _ := json.Marshal(map[string][]string{"user_ids": typing})
		events = append(events, synctypes.ClientEvent{
			Type:    "m.typing",
			Content: spec.RawJSON(content),
		})
	}
	return events
}

// receiptEvent folds a room's receipts into the aggregate m.receipt
// wire shape: event id -> receipt type -> user -> data.
func receiptEvent(receipts []types.Receipt) (synctypes.ClientEvent, error) {
	content := make(map[string]map[string]map[string]struct {
		TS spec.Timestamp `json:"ts"`
	})
	for _, r := range receipts {
		byType, ok := content[r.EventID]
		if !ok {
			byType = make(map[string]map[string]struct {
				TS spec.Timestamp `json:"ts"`
			})
			content[r.EventID] = byType
		}
		byUser, ok := byType[r.Type]
		if !ok {
			byUser = make(map[string]struct {
				TS spec.Timestamp `json:"ts"`
			})
			byType[r.Type] = byUser
		}
		byUser[r.UserID] = struct {
			TS spec.Timestamp `json:"ts"`
		}{TS: r.Timestamp}
	}
	b, err := json.Marshal(content)
	if err != nil {
		return synctypes.ClientEvent{}, err
	}
	return synctypes.ClientEvent{
		Type:    "m.receipt",
		Content: spec.RawJSON(b),
	}, nil
}
