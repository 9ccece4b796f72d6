// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import (
	"context"

	"github.com/element-hq/axon/syncapi/storage"
	"github.com/element-hq/axon/syncapi/synctypes"
	"github.com/element-hq/axon/syncapi/types"
)

// ToDeviceStreamProvider drains the to-device queue for one device.
// Unlike the other collectors it mutates durable state: delivered
// messages are deleted and the delivery watermark advances, so each
// message is seen at most once across cursor reuse.
type ToDeviceStreamProvider struct {
	DB storage.Database
}

// Deliver runs the delete/select/advance cycle against the pool, not
// the request snapshot, because the cycle must write.
func (p *ToDeviceStreamProvider) Deliver(
	ctx context.Context, req *types.SyncRequest,
) ([]synctypes.ClientEvent, error) {
	onlyVerification := !req.Trust.IsTrusted
	messages, err := p.DB.SendToDeviceUpdatesForSync(ctx, req.Device.UserID, req.Device.ID, onlyVerification)
	if err != nil {
		return nil, err
	}
	events := make([]synctypes.ClientEvent, 0, len(messages))
	for i := range messages {
		events = append(events, messages[i].ToDeviceEvent())
	}
	return events, nil
}
