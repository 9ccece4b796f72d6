// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// slidingRoomMeta is everything the list stage knows about one joined
// room before any payload is built.
type slidingRoomMeta struct {
	roomID    string
	latestPos types.StreamPosition
	isDM      bool
	roomType  string
}

// OnIncomingSlidingSyncRequest handles POST /sync/sliding. Lists are
// sorted by recent activity, windowed, and described with full SYNC
// operations; there is no incremental list diffing, so clients render
// each response as the complete window contents.
func (rp *RequestPool) OnIncomingSlidingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	start := time.Now()
	var body types.SlidingSyncRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON: " + err.Error()),
		}
	}
	if posQuery := req.URL.Query().Get("pos"); posQuery != "" {
		body.Pos = posQuery
	}
	since, _ := types.ParseStreamToken(body.Pos)

	timeout := time.Duration(body.Timeout) * time.Millisecond
	if timeout > rp.cfg.MaxTimeout {
		timeout = rp.cfg.MaxTimeout
	}

	syncReq := &types.SyncRequest{
		Context: req.Context(),
		Device:  device,
		Trust:   ResolveTrustContext(device, since),
		Timeout: timeout,
	}
	logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"pos":       body.Pos,
		"num_lists": len(body.Lists),
	})
	if syncReq.Trust.IsTrustTransition {
		logger.Info("Device completed verification, forcing full resync")
		if err := rp.db.ClearDeviceSyncState(req.Context(), device.UserID, device.ID); err != nil {
			logger.WithError(err).Error("Failed to reset device sync state")
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}
	}

	if timeout == 0 || syncReq.Trust.Since.IsEmpty() {
		resp, jsonErr := rp.currentSlidingSyncForUser(syncReq, &body)
		if jsonErr != nil {
			return *jsonErr
		}
		observeSyncMetrics(time.Since(start), types.StreamPosition(resp.Pos))
		return util.JSONResponse{Code: http.StatusOK, JSON: resp}
	}

	listener := rp.notifier.GetListener(device.UserID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(rp.cfg.LongPollInterval)
	defer ticker.Stop()
	activeLongPolls.Inc()
	defer activeLongPolls.Dec()
	waitPos := syncReq.Trust.Since
	for {
		resp, jsonErr := rp.currentSlidingSyncForUser(syncReq, &body)
		if jsonErr != nil {
			return *jsonErr
		}
		if !slidingResponseIsEmpty(resp) {
			observeSyncMetrics(time.Since(start), types.StreamPosition(resp.Pos))
			return util.JSONResponse{Code: http.StatusOK, JSON: resp}
		}
		notify := listener.GetNotifyChannel(waitPos)
		select {
		case <-notify:
			listener.Done()
			waitPos = types.MaxStreamPosition(waitPos, types.StreamPosition(resp.Pos))
		case <-ticker.C:
			listener.Done()
		case <-timer.C:
			listener.Done()
			observeSyncMetrics(time.Since(start), types.StreamPosition(resp.Pos))
			return util.JSONResponse{Code: http.StatusOK, JSON: resp}
		case <-syncReq.Context.Done():
			listener.Done()
			return util.JSONResponse{Code: http.StatusRequestTimeout, JSON: spec.Unknown("Request cancelled")}
		}
	}
}

func slidingResponseIsEmpty(resp *types.SlidingSyncResponse) bool {
	if len(resp.Rooms) > 0 {
		return false
	}
	if resp.Extensions != nil {
		ext := resp.Extensions
		if ext.ToDevice != nil && len(ext.ToDevice.Events) > 0 {
			return false
		}
		if ext.E2EE != nil && ext.E2EE.DeviceLists != nil {
			return false
		}
		if ext.AccountData != nil && (len(ext.AccountData.Global) > 0 || len(ext.AccountData.Rooms) > 0) {
			return false
		}
	}
	return true
}

func (rp *RequestPool) currentSlidingSyncForUser(
	syncReq *types.SyncRequest, body *types.SlidingSyncRequest,
) (*types.SlidingSyncResponse, *util.JSONResponse) {
	trace, ctx := internal.StartTask(syncReq.Context, "currentSlidingSyncForUser")
	defer trace.EndTask()
	trace.SetTag("user_id", syncReq.Device.UserID)
	logger := util.GetLogger(ctx)
	fail := func(msg string, err error) (*types.SlidingSyncResponse, *util.JSONResponse) {
		logger.WithError(err).Error(msg)
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	snapshot, err := rp.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		return fail("Failed to open database snapshot", err)
	}
	committed := false
	defer func() {
		if !committed {
			snapshot.Rollback() // nolint: errcheck
		}
	}()

	toPos, err := snapshot.MaxStreamPosition(ctx)
	if err != nil {
		return fail("Failed to get max stream position", err)
	}
	toPos = types.MaxStreamPosition(toPos, rp.notifier.CurrentPosition(), syncReq.Trust.Since)

	resp := &types.SlidingSyncResponse{
		Pos:   string(toPos),
		Lists: make(map[string]types.SlidingList, len(body.Lists)),
		Rooms: make(map[string]types.SlidingRoomData),
	}

	if syncReq.Trust.IsTrusted {
		metas, err := rp.collectSlidingRoomMetas(syncReq, snapshot)
		if err != nil {
			return fail("Failed to collect room metadata", err)
		}

		// Which rooms actually have new events decides incremental
		// payload inclusion; the window alone does not.
		var activeRooms map[string]struct{}
		if !syncReq.Trust.Since.IsEmpty() {
			roomIDs := make([]string, len(metas))
			for i := range metas {
				roomIDs[i] = metas[i].roomID
			}
			activeRooms, err = rp.db.RoomsWithEventsAfter(ctx, roomIDs, syncReq.Trust.Since)
			if err != nil {
				return fail("Failed to find rooms with new events", err)
			}
		}

		payloadRooms := make(map[string]*types.SlidingListConfig)
		for name, list := range body.Lists {
			listCopy := list
			filtered := applySlidingFilters(metas, list.Filters)
			ops := make([]types.SlidingOperation, 0, len(list.Ranges))
			for _, r := range list.Ranges {
				windowed := applySlidingWindow(filtered, r)
				roomIDs := make([]string, len(windowed))
				for i := range windowed {
					roomIDs[i] = windowed[i].roomID
					if rp.shouldIncludeSlidingRoom(syncReq, windowed[i].roomID, activeRooms) {
						payloadRooms[windowed[i].roomID] = &listCopy
					}
				}
				ops = append(ops, types.SlidingOperation{
					Op:      types.SlidingOpSync,
					Range:   clampRange(r, len(filtered)),
					RoomIDs: roomIDs,
				})
			}
			resp.Lists[name] = types.SlidingList{Count: len(filtered), Ops: ops}
		}

		// Subscriptions force rooms into the payload regardless of
		// windows and override list-level settings.
		for roomID, sub := range body.RoomSubscriptions {
			payloadRooms[roomID] = &types.SlidingListConfig{
				TimelineLimit: sub.TimelineLimit,
				RequiredState: sub.RequiredState,
			}
		}

		if jsonErr := rp.buildSlidingRooms(syncReq, snapshot, resp, metas, payloadRooms); jsonErr != nil {
			return nil, jsonErr
		}
	}

	extensions, jsonErr := rp.assembleSlidingExtensions(syncReq, snapshot, body, toPos)
	if jsonErr != nil {
		return nil, jsonErr
	}

	if err = snapshot.Commit(); err != nil {
		return fail("Failed to release database snapshot", err)
	}
	committed = true

	// To-device drains after the read side, same as classic sync.
	if jsonErr = rp.finishSlidingExtensions(syncReq, body, extensions); jsonErr != nil {
		return nil, jsonErr
	}
	resp.Extensions = extensions

	if syncReq.Trust.IsTrusted {
		if err = rp.db.UpdateDeviceLastSyncPosition(ctx, syncReq.Device.UserID, syncReq.Device.ID, toPos); err != nil {
			return fail("Failed to advance device sync position", err)
		}
		syncReq.Device.LastSyncPosition = string(toPos)
	}
	return resp, nil
}

// collectSlidingRoomMetas loads the joined rooms with the facts sorting
// and filtering need, ordered newest activity first.
func (rp *RequestPool) collectSlidingRoomMetas(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
) ([]slidingRoomMeta, error) {
	ctx := syncReq.Context
	joined, err := snapshot.RoomIDsWithMembership(ctx, syncReq.Device.UserID, "join")
	if err != nil {
		return nil, err
	}
	latest, err := rp.db.MaxPositionsForRooms(ctx, joined)
	if err != nil {
		return nil, err
	}
	dmRooms, err := rp.directRooms(syncReq, snapshot)
	if err != nil {
		return nil, err
	}

	metas := make([]slidingRoomMeta, 0, len(joined))
	for _, roomID := range joined {
		meta := slidingRoomMeta{
			roomID:    roomID,
			latestPos: latest[roomID],
		}
		_, meta.isDM = dmRooms[roomID]
		meta.roomType, err = rp.roomType(syncReq, snapshot, roomID)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sortRoomsByActivity(metas)
	return metas, nil
}

// directRooms reads m.direct account data into a room set.
func (rp *RequestPool) directRooms(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
) (map[string]struct{}, error) {
	entries, err := snapshot.GlobalAccountData(syncReq.Context, syncReq.Device.UserID, "")
	if err != nil {
		return nil, err
	}
	result := make(map[string]struct{})
	for _, entry := range entries {
		if entry.Type != "m.direct" {
			continue
		}
		gjson.ParseBytes(entry.Content).ForEach(func(_, rooms gjson.Result) bool {
			for _, roomID := range rooms.Array() {
				result[roomID.Str] = struct{}{}
			}
			return true
		})
	}
	return result, nil
}

// roomType resolves the create event's type field through the metadata
// cache. Create events are immutable, so cache entries never expire.
func (rp *RequestPool) roomType(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction, roomID string,
) (string, error) {
	if meta, ok := rp.caches.GetRoomMetadata(roomID); ok {
		return meta.RoomType, nil
	}
	createEvent, err := snapshot.GetStateEvent(syncReq.Context, roomID, spec.MRoomCreate, "")
	if err != nil {
		return "", err
	}
	roomType := ""
	if createEvent != nil {
		roomType = gjson.GetBytes(createEvent.Content, "type").Str
	}
	rp.caches.StoreRoomMetadata(roomID, caching.RoomMetadata{RoomType: roomType})
	return roomType, nil
}

func sortRoomsByActivity(metas []slidingRoomMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].latestPos.IsAfter(metas[j].latestPos)
	})
}

func applySlidingFilters(metas []slidingRoomMeta, filter *types.SlidingRoomFilter) []slidingRoomMeta {
	if filter == nil {
		return metas
	}
	filtered := make([]slidingRoomMeta, 0, len(metas))
	for _, meta := range metas {
		if filter.IsDM != nil && meta.isDM != *filter.IsDM {
			continue
		}
		if len(filter.RoomTypes) > 0 && !containsString(filter.RoomTypes, meta.roomType) {
			continue
		}
		if containsString(filter.NotRoomTypes, meta.roomType) {
			continue
		}
		filtered = append(filtered, meta)
	}
	return filtered
}

// applySlidingWindow clamps [start, end] to the list and returns the
// rooms inside it. An inverted or out-of-bounds range yields an empty
// window rather than an error.
func applySlidingWindow(metas []slidingRoomMeta, r []int) []slidingRoomMeta {
	if len(r) != 2 {
		return nil
	}
	start, end := r[0], r[1]
	if start < 0 {
		start = 0
	}
	if end >= len(metas) {
		end = len(metas) - 1
	}
	if start > end {
		return nil
	}
	return metas[start : end+1]
}

func clampRange(r []int, count int) []int {
	if len(r) != 2 {
		return []int{0, -1}
	}
	start, end := r[0], r[1]
	if start < 0 {
		start = 0
	}
	if end >= count {
		end = count - 1
	}
	return []int{start, end}
}

// shouldIncludeSlidingRoom decides whether a windowed room gets a
// payload: always on a full sync, only on new events otherwise. A room
// whose window membership changed but with nothing new stays
// payload-free; the SYNC op already places it.
func (rp *RequestPool) shouldIncludeSlidingRoom(
	syncReq *types.SyncRequest, roomID string, activeRooms map[string]struct{},
) bool {
	if syncReq.Trust.Since.IsEmpty() {
		return true
	}
	_, active := activeRooms[roomID]
	return active
}

func (rp *RequestPool) buildSlidingRooms(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
	resp *types.SlidingSyncResponse, metas []slidingRoomMeta,
	payloadRooms map[string]*types.SlidingListConfig,
) *util.JSONResponse {
	ctx := syncReq.Context
	logger := util.GetLogger(ctx)
	fail := func(msg string, err error) *util.JSONResponse {
		logger.WithError(err).Error(msg)
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	metaByRoom := make(map[string]slidingRoomMeta, len(metas))
	for _, meta := range metas {
		metaByRoom[meta.roomID] = meta
	}
	roomIDs := make([]string, 0, len(payloadRooms))
	for roomID := range payloadRooms {
		roomIDs = append(roomIDs, roomID)
	}
	prefetched, err := prefetchRoomData(ctx, rp.db, rp.typingCache, syncReq, roomIDs, rp.cfg.HeroLimit)
	if err != nil {
		return fail("Failed to prefetch room data", err)
	}

	for roomID, list := range payloadRooms {
		limit := list.TimelineLimit
		if limit <= 0 {
			limit = rp.cfg.DefaultTimelineLimit
		}
		builder := &roomDataBuilder{
			snapshot:      snapshot,
			prefetched:    prefetched,
			timelineLimit: limit,
		}
		timeline, err := builder.buildTimeline(ctx, syncReq, roomID)
		if err != nil {
			return fail("Failed to build sliding room timeline", err)
		}
		if timeline == nil {
			continue
		}
		data := types.SlidingRoomData{
			Initial:   syncReq.Trust.Since.IsEmpty(),
			IsDM:      metaByRoom[roomID].isDM,
			Timeline:  timeline.Events,
			Limited:   timeline.Limited,
			PrevBatch: timeline.PrevBatch,
		}
		if counts, ok := prefetched.memberCounts[roomID]; ok {
			data.JoinedCount = counts.Joined
			data.InvitedCount = counts.Invited
		}
		if unread, ok := prefetched.unreadCounts[roomID]; ok {
			data.NotificationCount = unread.NotificationCount
			data.HighlightCount = unread.HighlightCount
		}
		if nameEvent, err := snapshot.GetStateEvent(ctx, roomID, spec.MRoomName, ""); err != nil {
			return fail("Failed to get room name", err)
		} else if nameEvent != nil {
			data.Name = gjson.GetBytes(nameEvent.Content, "name").Str
		}
		if data.Name == "" {
			for _, hero := range prefetched.heroes[roomID] {
				data.Heroes = append(data.Heroes, types.SlidingHero{UserID: hero})
			}
		}
		requiredState, err := rp.requiredState(syncReq, snapshot, roomID, list.RequiredState)
		if err != nil {
			return fail("Failed to get required state", err)
		}
		data.RequiredState = requiredState
		resp.Rooms[roomID] = data
	}
	return nil
}

// requiredState applies the include/exclude patterns against current
// room state. Exclusions win over inclusions.
func (rp *RequestPool) requiredState(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
	roomID string, cfg types.RequiredStateConfig,
) ([]synctypes.ClientEvent, error) {
	if len(cfg.Include) == 0 {
		return nil, nil
	}
	stateEvents, err := snapshot.CurrentState(syncReq.Context, roomID, nil)
	if err != nil {
		return nil, err
	}
	var result []synctypes.ClientEvent
	for i := range stateEvents {
		ev := &stateEvents[i]
		if !matchesStatePatterns(cfg.Include, ev, syncReq.Device.UserID) {
			continue
		}
		if matchesStatePatterns(cfg.Exclude, ev, syncReq.Device.UserID) {
			continue
		}
		result = append(result, ev.ClientEvent(synctypes.FormatSync))
	}
	return result, nil
}

func matchesStatePatterns(patterns [][]string, ev *types.Event, userID string) bool {
	stateKey := ""
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}
	for _, pattern := range patterns {
		if len(pattern) != 2 {
			continue
		}
		wantType, wantKey := pattern[0], pattern[1]
		if wantType != "*" && wantType != ev.Type {
			continue
		}
		if wantKey == "$ME" {
			wantKey = userID
		}
		if wantKey != "*" && wantKey != stateKey {
			continue
		}
		return true
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
