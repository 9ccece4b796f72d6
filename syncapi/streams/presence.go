// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
)

// PresenceStreamProvider assembles the presence section for users the
// caller shares a room with.
type PresenceStreamProvider struct{}

func (p *PresenceStreamProvider) Deliver(
	ctx context.Context, snapshot storage.DatabaseTransaction, req *types.SyncRequest,
) ([]synctypes.ClientEvent, error) {
	if !req.Trust.IsTrusted {
		return nil, nil
	}
	sharedUsers, err := snapshot.SharedRoomUsers(ctx, req.Device.UserID)
	if err != nil {
		return nil, err
	}
	if len(sharedUsers) == 0 {
		return nil, nil
	}
	var presences map[string]*types.PresenceStatus
	if req.Trust.Since.IsEmpty() {
		presences, err = snapshot.PresenceForUsers(ctx, sharedUsers)
	} else {
		presences, err = snapshot.PresenceChangesAfter(ctx, sharedUsers, req.Trust.Since)
	}
	if err != nil {
		return nil, err
	}
	now := spec.AsTimestamp(time.Now())
	events := make([]synctypes.ClientEvent, 0, len(presences))
	for _, presence := range presences {
		events = append(events, presence.PresenceEvent(now))
	}
	return events, nil
}
