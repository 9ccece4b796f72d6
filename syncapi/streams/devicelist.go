// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/types"
)

// DeviceListStreamProvider assembles the device_lists section: users
// whose encryption keys changed since the cursor, so clients know to
// refetch before encrypting to them.
type DeviceListStreamProvider struct{}

// Deliver returns nil lists on a full sync: a client with no cursor is
// about to fetch all keys anyway, so change hints would be noise.
func (p *DeviceListStreamProvider) Deliver(
	ctx context.Context, snapshot storage.DatabaseTransaction, req *types.SyncRequest, to types.StreamPosition,
) (*types.DeviceLists, error) {
	if !req.Trust.IsTrusted || req.Trust.Since.IsEmpty() {
		return nil, nil
	}
	changed, left, err := snapshot.DeviceListChanges(ctx, req.Device.UserID, req.Trust.Since, to)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 && len(left) == 0 {
		return nil, nil
	}
	return &types.DeviceLists{Changed: changed, Left: left}, nil
}
