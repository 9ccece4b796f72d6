// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
)

// assembleSlidingExtensions runs the read-side extensions against the
// request snapshot. Each extension reuses the classic sync collector,
// so trust gating and cursor semantics match the /sync endpoint
// exactly.
func (rp *RequestPool) assembleSlidingExtensions(
	syncReq *types.SyncRequest, snapshot storage.DatabaseTransaction,
	body *types.SlidingSyncRequest, toPos types.StreamPosition,
) (*types.ExtensionResponse, *util.JSONResponse) {
	if body.Extensions == nil {
		return nil, nil
	}
	ctx := syncReq.Context
	logger := util.GetLogger(ctx)
	fail := func(msg string, err error) (*types.ExtensionResponse, *util.JSONResponse) {
		logger.WithError(err).Error(msg)
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	ext := &types.ExtensionResponse{}

	if enabled(body.Extensions.E2EE) {
		deviceLists, err := rp.deviceLists.Deliver(ctx, snapshot, syncReq, toPos)
		if err != nil {
			return fail("Failed to assemble e2ee extension", err)
		}
		ext.E2EE = &types.E2EEExtensionResponse{DeviceLists: deviceLists}
	}

	if enabled(body.Extensions.AccountData) {
		global, err := rp.accountData.Deliver(ctx, snapshot, syncReq)
		if err != nil {
			return fail("Failed to assemble account data extension", err)
		}
		acct := &types.AccountDataExtensionResponse{Global: global}
		if syncReq.Trust.IsTrusted {
			joined, err := snapshot.RoomIDsWithMembership(ctx, syncReq.Device.UserID, "join")
			if err != nil {
				return fail("Failed to get joined rooms for account data extension", err)
			}
			byRoom, err := rp.db.RoomAccountData(ctx, syncReq.Device.UserID, joined, syncReq.Trust.Since)
			if err != nil {
				return fail("Failed to get room account data", err)
			}
			for roomID, entries := range byRoom {
				events := make([]synctypes.ClientEvent, 0, len(entries))
				for _, entry := range entries {
					events = append(events, synctypes.ClientEvent{
						Type:    entry.Type,
						Content: spec.RawJSON(entry.Content),
					})
				}
				if acct.Rooms == nil {
					acct.Rooms = make(map[string][]synctypes.ClientEvent)
				}
				acct.Rooms[roomID] = events
			}
		}
		ext.AccountData = acct
	}

	return ext, nil
}

// finishSlidingExtensions runs the extensions that write durable state,
// after the snapshot has been released and every read succeeded.
func (rp *RequestPool) finishSlidingExtensions(
	syncReq *types.SyncRequest, body *types.SlidingSyncRequest, ext *types.ExtensionResponse,
) *util.JSONResponse {
	if ext == nil || body.Extensions == nil {
		return nil
	}
	ctx := syncReq.Context

	if enabled(body.Extensions.ToDevice) {
		events, err := rp.toDevice.Deliver(ctx, syncReq)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Error("Failed to deliver to-device extension")
			return &util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}
		ext.ToDevice = &types.ToDeviceExtensionResponse{Events: events}
	}

	if ext.E2EE != nil {
		ext.E2EE.DeviceOneTimeKeysCount = syncReq.Device.OneTimeKeyCounts
		ext.E2EE.DeviceUnusedFallbackKeyTypes = syncReq.Device.UnusedFallbackKeyTypes
	}
	return nil
}

func enabled(t *types.ExtensionToggle) bool {
	return t != nil && t.Enabled
}
