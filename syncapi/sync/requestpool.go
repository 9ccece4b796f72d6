// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/axon/internal"
	"github.com/element-hq/axon/internal/caching"
	"github.com/element-hq/axon/setup/config"
	"github.com/element-hq/axon/syncapi/notifier"
	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/streams"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
	userapi "github.com/element-hq/axon/userapi/api"
)

// RequestPool handles sync requests for all connected clients.
type RequestPool struct {
	db          storage.Database
	cfg         *config.SyncAPI
	notifier    *notifier.Notifier
	typingCache *caching.EDUCache
	caches      *caching.Caches

	accountData *streams.AccountDataStreamProvider
	deviceLists *streams.DeviceListStreamProvider
	toDevice    *streams.ToDeviceStreamProvider
	presence    *streams.PresenceStreamProvider
}

func NewRequestPool(
	db storage.Database, cfg *config.SyncAPI,
	n *notifier.Notifier, typingCache *caching.EDUCache, caches *caching.Caches,
) *RequestPool {
	rp := &RequestPool{
		db:          db,
		cfg:         cfg,
		notifier:    n,
		typingCache: typingCache,
		caches:      caches,
		accountData: &streams.AccountDataStreamProvider{},
		deviceLists: &streams.DeviceListStreamProvider{},
		toDevice:    &streams.ToDeviceStreamProvider{DB: db},
		presence:    &streams.PresenceStreamProvider{},
	}
	go rp.cleanIdleStreams()
	return rp
}

func (rp *RequestPool) cleanIdleStreams() {
	for {
		time.Sleep(time.Minute)
		rp.notifier.CleanIdleStreams(5 * time.Minute)
	}
}

// OnIncomingSyncRequest handles GET /_matrix/client/v3/sync.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	start := time.Now()

	// A cursor that does not parse is treated as absent: the client
	// falls back to an initial sync rather than getting an error it
	// cannot recover from.
	since, _ := types.ParseStreamToken(req.URL.Query().Get("since"))
	timeout := parseTimeout(req.URL.Query().Get("timeout"))
	if timeout > rp.cfg.MaxTimeout {
		timeout = rp.cfg.MaxTimeout
	}

	syncReq := &types.SyncRequest{
		Context:       req.Context(),
		Device:        device,
		Trust:         ResolveTrustContext(device, since),
		Timeout:       timeout,
		WantFullState: req.URL.Query().Get("full_state") == "true",
		SetPresence:   req.URL.Query().Get("set_presence"),
	}

	logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"since":     since,
		"timeout":   timeout,
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

	if syncReq.SetPresence != "" {
		rp.updatePresence(req.Context(), device.UserID, syncReq.SetPresence)
	}

	// Without a timeout, or without a usable cursor, respond with the
	// current dataset immediately.
	if timeout == 0 || syncReq.Trust.Since.IsEmpty() {
		resp, jsonErr := rp.currentSyncForUser(syncReq)
		if jsonErr != nil {
			return *jsonErr
		}
		observeSyncMetrics(time.Since(start), types.StreamPosition(resp.NextBatch))
		return util.JSONResponse{Code: http.StatusOK, JSON: resp}
	}

	return rp.longPoll(syncReq, logger, start)
}

// longPoll waits for something the device can see before answering, or
// answers empty at the deadline. The notifier wakes us the moment a
// consumer writes something relevant; the re-query decides whether the
// wake-up was real.
func (rp *RequestPool) longPoll(syncReq *types.SyncRequest, logger *logrus.Entry, start time.Time) util.JSONResponse {
	listener := rp.notifier.GetListener(syncReq.Device.UserID)
	timer := time.NewTimer(syncReq.Timeout)
	defer timer.Stop()
	// Writes that land without a notifier wake-up still become visible
	// on the next tick.
	ticker := time.NewTicker(rp.cfg.LongPollInterval)
	defer ticker.Stop()
	activeLongPolls.Inc()
	defer activeLongPolls.Dec()

	waitPos := syncReq.Trust.Since
	for {
		resp, jsonErr := rp.currentSyncForUser(syncReq)
		if jsonErr != nil {
			return *jsonErr
		}
		if !resp.IsEmpty() {
			observeSyncMetrics(time.Since(start), types.StreamPosition(resp.NextBatch))
			return util.JSONResponse{Code: http.StatusOK, JSON: resp}
		}

		notify := listener.GetNotifyChannel(waitPos)
		select {
		case <-notify:
			listener.Done()
			waitPos = types.MaxStreamPosition(waitPos, types.StreamPosition(resp.NextBatch))
		case <-ticker.C:
			listener.Done()
		case <-timer.C:
			listener.Done()
			observeSyncMetrics(time.Since(start), types.StreamPosition(resp.NextBatch))
			return util.JSONResponse{Code: http.StatusOK, JSON: resp}
		case <-syncReq.Context.Done():
			listener.Done()
			return util.JSONResponse{Code: http.StatusRequestTimeout, JSON: spec.Unknown("Request cancelled")}
		}
	}
}

// currentSyncForUser assembles one complete response. On any storage
// failure the whole call fails and no durable state moves: the snapshot
// is rolled back, the to-device drain runs last and the device cursor
// is only advanced after everything else succeeded.
func (rp *RequestPool) currentSyncForUser(syncReq *types.SyncRequest) (*types.Response, *util.JSONResponse) {
	trace, ctx := internal.StartTask(syncReq.Context, "currentSyncForUser")
	defer trace.EndTask()
	trace.SetTag("user_id", syncReq.Device.UserID)
	logger := util.GetLogger(ctx)
	fail := func(msg string, err error) (*types.Response, *util.JSONResponse) {
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

	resp := &types.Response{NextBatch: string(toPos)}

	if syncReq.Trust.IsTrusted {
		if jsonErr := rp.assembleTrustedSections(syncReq, snapshot, resp, toPos); jsonErr != nil {
			return nil, jsonErr
		}
	} else {
		accountData, err := rp.accountData.Deliver(ctx, snapshot, syncReq)
		if err != nil {
			return fail("Failed to assemble account data", err)
		}
		resp.AccountData.Events = accountData
	}

	if err = snapshot.Commit(); err != nil {
		return fail("Failed to release database snapshot", err)
	}
	committed = true

	// The to-device drain writes (lazy delete plus watermark), so it
	// runs only after every read-side section succeeded.
	toDevice, err := rp.toDevice.Deliver(ctx, syncReq)
	if err != nil {
		return fail("Failed to deliver to-device messages", err)
	}
	resp.ToDevice.Events = toDevice

	if len(syncReq.Device.OneTimeKeyCounts) > 0 {
		resp.DeviceListsOTKCount = syncReq.Device.OneTimeKeyCounts
	}
	if len(syncReq.Device.UnusedFallbackKeyTypes) > 0 {
		resp.DeviceUnusedFallbackKeyTypes = syncReq.Device.UnusedFallbackKeyTypes
	}

	// The response is now guaranteed to be returned, so the device
	// cursor may advance. Untrusted devices never advance: their next
	// sync repeats the initial treatment.
	if syncReq.Trust.IsTrusted {
		if err = rp.db.UpdateDeviceLastSyncPosition(ctx, syncReq.Device.UserID, syncReq.Device.ID, toPos); err != nil {
			return fail("Failed to advance device sync position", err)
		}
		syncReq.Device.LastSyncPosition = string(toPos)
	}
	return resp, nil
}

func (rp *RequestPool) assembleTrustedSections(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
	resp *types.Response, toPos types.StreamPosition,
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

	joinedRooms, err := snapshot.RoomIDsWithMembership(ctx, syncReq.Device.UserID, "join")
	if err != nil {
		return fail("Failed to get joined rooms", err)
	}
	prefetched, err := prefetchRoomData(ctx, rp.db, rp.typingCache, syncReq, joinedRooms, rp.cfg.HeroLimit)
	if err != nil {
		return fail("Failed to prefetch room data", err)
	}
	builder := &roomDataBuilder{
		snapshot:      snapshot,
		prefetched:    prefetched,
		timelineLimit: rp.cfg.DefaultTimelineLimit,
	}

	rooms := types.NewRoomsResponse()
	for _, roomID := range joinedRooms {
		jr, err := builder.buildJoinedRoom(ctx, syncReq, roomID)
		if err != nil {
			return fail("Failed to build joined room", err)
		}
		if jr != nil {
			rooms.Join[roomID] = jr
		}
	}

	invites, err := snapshot.InvitesForUser(ctx, syncReq.Device.UserID, syncReq.Trust.Since, toPos)
	if err != nil {
		return fail("Failed to get invites", err)
	}
	for i := range invites {
		invite := &invites[i]
		if invite.Retired {
			continue
		}
		ir, err := builder.buildInviteRoom(ctx, invite)
		if err != nil {
			return fail("Failed to build invite room", err)
		}
		rooms.Invite[invite.RoomID] = ir
	}

	if !syncReq.Trust.Since.IsEmpty() {
		changes, err := snapshot.MembershipChangesAfter(ctx, syncReq.Device.UserID, syncReq.Trust.Since)
		if err != nil {
			return fail("Failed to get membership changes", err)
		}
		for _, change := range changes {
			if change.Membership != "leave" && change.Membership != "ban" {
				continue
			}
			lr, err := builder.buildLeaveRoom(ctx, syncReq, change.RoomID)
			if err != nil {
				return fail("Failed to build left room", err)
			}
			if lr == nil {
				lr = &types.LeaveResponse{}
			}
			lr.Timeline.Events = append(lr.Timeline.Events, change.Event.ClientEvent(synctypes.FormatSync))
			rooms.Leave[change.RoomID] = lr
			delete(rooms.Join, change.RoomID)
		}
	}

	if len(rooms.Join) > 0 || len(rooms.Invite) > 0 || len(rooms.Leave) > 0 {
		resp.Rooms = rooms
	}

	accountData, err := rp.accountData.Deliver(ctx, snapshot, syncReq)
	if err != nil {
		return fail("Failed to assemble account data", err)
	}
	resp.AccountData.Events = accountData

	deviceLists, err := rp.deviceLists.Deliver(ctx, snapshot, syncReq, toPos)
	if err != nil {
		return fail("Failed to assemble device list changes", err)
	}
	resp.DeviceLists = deviceLists

	presence, err := rp.presence.Deliver(ctx, snapshot, syncReq)
	if err != nil {
		return fail("Failed to assemble presence", err)
	}
	resp.Presence.Events = presence

	return nil
}

func (rp *RequestPool) updatePresence(ctx context.Context, userID, presence string) {
	switch presence {
	case "online", "offline", "unavailable":
	default:
		return
	}
	status := &types.PresenceStatus{
		UserID:       userID,
		Presence:     presence,
		LastActiveTS: spec.AsTimestamp(time.Now()),
	}
	pos, err := rp.db.UpdatePresence(ctx, status)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Warn("Failed to update presence from sync")
		return
	}

	// Users sharing a room may be mid long-poll, so they get woken the
	// same way the presence consumer wakes them.
	snapshot, err := rp.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Warn("Failed to open snapshot for presence fan-out")
		return
	}
	sharedUsers, err := snapshot.SharedRoomUsers(ctx, userID)
	snapshot.Rollback() // nolint: errcheck
	if err != nil {
		util.GetLogger(ctx).WithError(err).Warn("Failed to find users sharing a room for presence fan-out")
		return
	}
	rp.notifier.OnNewUserEvent(pos, sharedUsers...)
}

func parseTimeout(timeoutMS string) time.Duration {
	if timeoutMS == "" {
		return 0
	}
	i, err := strconv.Atoi(timeoutMS)
	if err != nil {
		return 0
	}
	return time.Duration(i) * time.Millisecond
}
